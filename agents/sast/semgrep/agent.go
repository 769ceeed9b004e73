// Package semgrep runs Semgrep with SARIF output as a scanner plugin.
package semgrep

import (
	"context"
	"fmt"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

const (
	ScannerName        = "semgrep"
	DefaultCommand     = "semgrep"
	DefaultTimeout     = 10 * time.Minute
	DefaultRulesConfig = "auto"
)

// Agent wraps the semgrep command line
type Agent struct {
	*scanner.Base
}

// NewAgent creates a Semgrep plugin with default configuration
func NewAgent() *Agent {
	return &Agent{Base: scanner.NewBase(DefaultConfig())}
}

// DefaultConfig returns the configuration Semgrep starts from
func DefaultConfig() scanner.Config {
	return scanner.Config{
		Name:        ScannerName,
		Type:        finding.ScannerTypeSAST,
		Command:     DefaultCommand,
		VersionArgs: []string{"--version"},
		Timeout:     DefaultTimeout,
		Options: map[string]any{
			"config": DefaultRulesConfig,
		},
	}
}

// Register adds Semgrep to reg
func Register(reg *scanner.Registry) error {
	return reg.Register(ScannerName, scanner.Registration{
		Factory:    func() scanner.Plugin { return NewAgent() },
		Normalizer: Normalize,
	})
}

// Scan executes semgrep against target and flattens the SARIF report into
// one raw record per result.
func (a *Agent) Scan(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error) {
	args := a.buildArgs(target, a.Options(opts))

	run, err := a.Run(ctx, args...)
	if err != nil {
		return nil, err
	}

	res := a.NewResult(target, run)
	// Semgrep exits 1 when --error is set and findings exist
	if run.ExitCode > 1 {
		return res, errors.NewScanError(a.Name(), fmt.Sprintf("semgrep execution failed with exit code %d", run.ExitCode), res.StderrTail)
	}

	raw, version, err := parseSARIFOutput(run.Stdout)
	if err != nil {
		return res, errors.NewScanError(a.Name(), "failed to parse semgrep output", res.StderrTail).WithCause(err)
	}
	if res.ScannerVersion == "" {
		res.ScannerVersion = version
	}
	res.Findings = raw

	return res, nil
}

// buildArgs assembles the semgrep command line. Option keys: config (one or
// more rule sources), exclude, include and lang.
func (a *Agent) buildArgs(target string, opts map[string]any) []string {
	args := []string{"scan", "--sarif", "--quiet", "--metrics=off"}
	args = append(args, a.Config().Args...)

	configs := scanner.OptionStrings(opts, "config")
	if len(configs) == 0 {
		configs = []string{DefaultRulesConfig}
	}
	for _, c := range configs {
		args = append(args, "--config", c)
	}
	for _, lang := range scanner.OptionStrings(opts, "lang") {
		args = append(args, "--lang", lang)
	}
	for _, pattern := range scanner.OptionStrings(opts, "include") {
		args = append(args, "--include", pattern)
	}
	for _, pattern := range scanner.OptionStrings(opts, "exclude") {
		args = append(args, "--exclude", pattern)
	}

	return append(args, target)
}
