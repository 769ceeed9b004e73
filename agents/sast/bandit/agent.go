// Package bandit runs the Bandit Python SAST tool as a scanner plugin.
package bandit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

const (
	ScannerName    = "bandit"
	DefaultCommand = "bandit"
	DefaultTimeout = 10 * time.Minute
)

// DefaultExcludes keeps virtual environments out of the scan
var DefaultExcludes = []string{"*venv/*", ".venv/*"}

// Agent wraps the bandit command line
type Agent struct {
	*scanner.Base
}

// NewAgent creates a Bandit plugin with default configuration
func NewAgent() *Agent {
	return &Agent{Base: scanner.NewBase(DefaultConfig())}
}

// DefaultConfig returns the configuration Bandit starts from
func DefaultConfig() scanner.Config {
	return scanner.Config{
		Name:        ScannerName,
		Type:        finding.ScannerTypeSAST,
		Command:     DefaultCommand,
		VersionArgs: []string{"--version"},
		Timeout:     DefaultTimeout,
		Options: map[string]any{
			"exclude":  DefaultExcludes,
			"severity": "all",
		},
	}
}

// Register adds Bandit to reg
func Register(reg *scanner.Registry) error {
	return reg.Register(ScannerName, scanner.Registration{
		Factory:    func() scanner.Plugin { return NewAgent() },
		Normalizer: Normalize,
	})
}

// Scan runs bandit recursively over target. Exit code 1 only signals that
// issues were found; any higher exit code is a failure.
func (a *Agent) Scan(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error) {
	args := a.buildArgs(target, a.Options(opts))

	res, err := a.RunJSON(ctx, target, "results", args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode > 1 {
		return res, errors.NewScanError(a.Name(), fmt.Sprintf("bandit exited with code %d", res.ExitCode), res.StderrTail)
	}
	return res, nil
}

// buildArgs assembles the bandit command line. Option keys:
// severity, confidence, skip, exclude and config.
func (a *Agent) buildArgs(target string, opts map[string]any) []string {
	args := []string{"-f", "json", "-q"}
	args = append(args, a.Config().Args...)

	if cfgArgs := configFileArgs(target, scanner.OptionString(opts, "config")); len(cfgArgs) > 0 {
		args = append(args, cfgArgs...)
	}
	if level := scanner.OptionString(opts, "severity"); level != "" {
		args = append(args, "--severity-level="+strings.ToLower(level))
	}
	if level := scanner.OptionString(opts, "confidence"); level != "" {
		args = append(args, "--confidence-level="+strings.ToLower(level))
	}
	if skip := scanner.OptionStrings(opts, "skip"); len(skip) > 0 {
		args = append(args, "-s", strings.Join(skip, ","))
	}
	if exclude := scanner.OptionStrings(opts, "exclude"); len(exclude) > 0 {
		args = append(args, "-x", strings.Join(exclude, ","))
	}

	return append(args, "-r", target)
}

// configFileArgs points bandit at an explicit config file, or at the first
// of .bandit, bandit.yaml and bandit.toml found in target.
func configFileArgs(target, explicit string) []string {
	if explicit != "" {
		if filepath.Base(explicit) == ".bandit" {
			return []string{"--ini", explicit}
		}
		return []string{"-c", explicit}
	}

	candidates := []struct {
		name string
		flag string
	}{
		{".bandit", "--ini"},
		{"bandit.yaml", "-c"},
		{"bandit.toml", "-c"},
	}
	for _, c := range candidates {
		path := filepath.Join(target, c.name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return []string{c.flag, path}
		}
	}
	return nil
}
