package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
	"github.com/awslabs/automated-security-helper-sub041/pkg/suppression"
)

// RunConfig is the per-project scan configuration file
type RunConfig struct {
	Execution    ExecutionConfig            `yaml:"execution"`
	Scanners     map[string]ScannerSettings `yaml:"scanners"`
	Suppressions []suppression.Rule         `yaml:"suppressions"`
}

// ScannerSettings configures one scheduled scanner
type ScannerSettings struct {
	Enabled     *bool          `yaml:"enabled,omitempty"`
	Type        string         `yaml:"type,omitempty"`
	Command     string         `yaml:"command,omitempty"`
	Args        []string       `yaml:"args,omitempty"`
	VersionArgs []string       `yaml:"version_args,omitempty"`
	Timeout     time.Duration  `yaml:"timeout,omitempty"`
	Options     map[string]any `yaml:"options,omitempty"`
}

// IsEnabled reports whether the scanner should be scheduled. Scanners are
// enabled unless explicitly switched off.
func (s ScannerSettings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ScannerConfig converts the settings into a plugin configuration for name
func (s ScannerSettings) ScannerConfig(name string) scanner.Config {
	return scanner.Config{
		Name:        name,
		Type:        finding.ScannerType(s.Type),
		Command:     s.Command,
		Args:        s.Args,
		VersionArgs: s.VersionArgs,
		Timeout:     s.Timeout,
		Options:     s.Options,
	}
}

// EnabledScanners returns the names of enabled scanners in sorted order
func (rc *RunConfig) EnabledScanners() []string {
	names := make([]string, 0, len(rc.Scanners))
	for name, settings := range rc.Scanners {
		if settings.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type rawRunConfig struct {
	Execution    ExecutionConfig    `yaml:"execution"`
	Scanners     yaml.Node          `yaml:"scanners"`
	Suppressions []suppression.Rule `yaml:"suppressions"`
}

// LoadRunConfig reads and validates the run configuration at path
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("failed to read run config %s", path)).WithCause(err)
	}
	return ParseRunConfig(data, time.Now())
}

// ParseRunConfig decodes a YAML run configuration. Suppression rules are
// validated as of now.
func ParseRunConfig(data []byte, now time.Time) (*RunConfig, error) {
	var raw rawRunConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewConfigError("invalid run config YAML").WithCause(err)
	}

	if err := raw.Execution.Validate(); err != nil {
		return nil, err
	}

	rc := &RunConfig{
		Execution: raw.Execution,
		Scanners:  make(map[string]ScannerSettings),
	}

	switch {
	case raw.Scanners.Kind == 0:
	case raw.Scanners.Kind == yaml.ScalarNode && raw.Scanners.ShortTag() == "!!null":
	case raw.Scanners.Kind == yaml.MappingNode:
		if err := raw.Scanners.Decode(&rc.Scanners); err != nil {
			return nil, errors.NewConfigError("invalid scanners section").WithCause(err)
		}
	default:
		return nil, errors.NewConfigError(fmt.Sprintf("scanners must be a mapping of name to settings (line %d)", raw.Scanners.Line))
	}

	for name, settings := range rc.Scanners {
		if settings.Type == "" {
			continue
		}
		st, err := finding.ParseScannerType(settings.Type)
		if err != nil {
			return nil, errors.NewConfigError(fmt.Sprintf("scanner %s: invalid type %q", name, settings.Type)).WithCause(err)
		}
		settings.Type = string(st)
		rc.Scanners[name] = settings
	}

	for i, r := range raw.Suppressions {
		rule, err := suppression.NewRule(r, now)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid suppression at index %d", i)).WithCause(err)
		}
		rc.Suppressions = append(rc.Suppressions, rule)
	}

	return rc, nil
}
