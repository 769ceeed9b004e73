package scanner

import (
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
)

// Config holds the settings a plugin runs with. Values are treated as
// immutable; use Merge to derive a new Config.
type Config struct {
	Name        string              `json:"name" yaml:"name"`
	Type        finding.ScannerType `json:"type" yaml:"type"`
	Command     string              `json:"command" yaml:"command"`
	Args        []string            `json:"args,omitempty" yaml:"args,omitempty"`
	VersionArgs []string            `json:"version_args,omitempty" yaml:"version_args,omitempty"`
	Timeout     time.Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Options     map[string]any      `json:"options,omitempty" yaml:"options,omitempty"`
}

// Merge returns base overlaid with override. Name and Type are protected:
// they are taken from override only when base leaves them unset. Options
// merge key by key; every other non-zero override field replaces base.
// Neither argument is modified.
func Merge(base, override Config) Config {
	out := Config{
		Name:        base.Name,
		Type:        base.Type,
		Command:     base.Command,
		Args:        cloneStrings(base.Args),
		VersionArgs: cloneStrings(base.VersionArgs),
		Timeout:     base.Timeout,
		Options:     cloneOptions(base.Options),
	}

	if out.Name == "" {
		out.Name = override.Name
	}
	if out.Type == "" {
		out.Type = override.Type
	}
	if override.Command != "" {
		out.Command = override.Command
	}
	if override.Args != nil {
		out.Args = cloneStrings(override.Args)
	}
	if override.VersionArgs != nil {
		out.VersionArgs = cloneStrings(override.VersionArgs)
	}
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if len(override.Options) > 0 {
		if out.Options == nil {
			out.Options = make(map[string]any, len(override.Options))
		}
		for k, v := range override.Options {
			out.Options[k] = v
		}
	}

	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneOptions(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
