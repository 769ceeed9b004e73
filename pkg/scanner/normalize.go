package scanner

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
)

// String returns the first non-empty string found under keys.
func (r RawFinding) String(keys ...string) string {
	for _, key := range keys {
		switch v := r[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}

// Int returns the first integer found under keys, or nil. Whole floats and
// numeric strings are accepted since decoded JSON carries numbers as float64.
func (r RawFinding) Int(keys ...string) *int {
	for _, key := range keys {
		switch v := r[key].(type) {
		case int:
			return finding.IntPtr(v)
		case int64:
			return finding.IntPtr(int(v))
		case float64:
			if v == math.Trunc(v) {
				return finding.IntPtr(int(v))
			}
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return finding.IntPtr(int(n))
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return finding.IntPtr(n)
			}
		}
	}
	return nil
}

// Map returns the nested object under key, or nil.
func (r RawFinding) Map(key string) RawFinding {
	switch v := r[key].(type) {
	case map[string]any:
		return RawFinding(v)
	case RawFinding:
		return v
	}
	return nil
}

// DefaultNormalizer maps a record that already uses the finding field names
// (rule_id, title, severity, file_path, line_start, ...) onto a Finding.
func DefaultNormalizer(raw RawFinding, res *ScanResult) (*finding.Finding, error) {
	p := finding.Params{
		ID:             raw.String("id"),
		Title:          raw.String("title"),
		Description:    raw.String("description", "message"),
		Severity:       raw.String("severity"),
		FilePath:       raw.String("file_path", "path", "file"),
		LineStart:      raw.Int("line_start", "line"),
		LineEnd:        raw.Int("line_end"),
		Package:        raw.String("package"),
		PackageVersion: raw.String("package_version"),
		ResourceName:   raw.String("resource_name"),
		ResourceType:   raw.String("resource_type"),
	}
	if ruleID := raw.String("rule_id"); ruleID != "" {
		p.RuleID = finding.StringPtr(ruleID)
	}
	if props := raw.Map("properties"); props != nil {
		p.Properties = map[string]any(props)
	}
	ApplyProvenance(&p, res)

	return finding.New(p)
}

// ApplyProvenance copies the scanner identity and timing from res into p.
func ApplyProvenance(p *finding.Params, res *ScanResult) {
	if res == nil {
		return
	}
	p.ScannerName = res.ScannerName
	p.ScannerType = string(res.ScannerType)
	p.ScannerVersion = res.ScannerVersion
	if p.Timestamp.IsZero() {
		p.Timestamp = res.EndTime
	}
}

// DecodeFindings reads raw records from tool output. The output may be a JSON
// array of objects, or an object holding the array under key.
func DecodeFindings(output []byte, key string) ([]RawFinding, error) {
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return []RawFinding{}, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []RawFinding
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, err
	}
	payload, ok := doc[key]
	if !ok || string(payload) == "null" {
		return []RawFinding{}, nil
	}
	var list []RawFinding
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, err
	}
	return list, nil
}
