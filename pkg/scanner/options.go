package scanner

import (
	"fmt"
	"strings"
)

// OptionString returns opts[key] as a string. Non-string scalars are
// formatted; a missing key yields "".
func OptionString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}

// OptionStrings returns opts[key] as a list. A single string is split on
// commas, so YAML lists and "a,b" are both accepted.
func OptionStrings(opts map[string]any, key string) []string {
	var out []string
	switch v := opts[key].(type) {
	case nil:
		return nil
	case string:
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			if item == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	default:
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// OptionBool returns opts[key] as a bool, or fallback when unset or not a
// recognizable boolean.
func OptionBool(opts map[string]any, key string, fallback bool) bool {
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "on":
			return true
		case "false", "no", "0", "off":
			return false
		}
	}
	return fallback
}
