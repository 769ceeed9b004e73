// Package pip runs pip-audit over Python requirements files as a dependency
// scanner plugin.
package pip

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

const (
	ScannerName    = "pip-audit"
	DefaultCommand = "pip-audit"
	DefaultTimeout = 5 * time.Minute
)

// DefaultRequirementsFiles are looked up in the scan target, in order
var DefaultRequirementsFiles = []string{
	"requirements.txt",
	"requirements-dev.txt",
	"requirements-test.txt",
	"dev-requirements.txt",
	"test-requirements.txt",
}

// Agent wraps the pip-audit command line
type Agent struct {
	*scanner.Base
}

// NewAgent creates a pip-audit plugin with default configuration
func NewAgent() *Agent {
	return &Agent{Base: scanner.NewBase(DefaultConfig())}
}

// DefaultConfig returns the configuration pip-audit starts from
func DefaultConfig() scanner.Config {
	return scanner.Config{
		Name:        ScannerName,
		Type:        finding.ScannerTypeDependency,
		Command:     DefaultCommand,
		VersionArgs: []string{"--version"},
		Timeout:     DefaultTimeout,
		Options: map[string]any{
			"requirements": DefaultRequirementsFiles,
		},
	}
}

// Register adds pip-audit to reg
func Register(reg *scanner.Registry) error {
	return reg.Register(ScannerName, scanner.Registration{
		Factory:    func() scanner.Plugin { return NewAgent() },
		Normalizer: Normalize,
	})
}

// Scan audits every requirements file found in target. pip-audit exits 1
// when vulnerabilities are found.
func (a *Agent) Scan(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error) {
	opts = a.Options(opts)

	files := findRequirementsFiles(target, scanner.OptionStrings(opts, "requirements"))
	if len(files) == 0 {
		a.Logger().Debug("No requirements files found", "scanner", a.Name(), "target", target)
		now := time.Now().UTC()
		return a.NewResult(target, &scanner.Execution{Command: a.Config().Command, StartTime: now, EndTime: now}), nil
	}

	var res *scanner.ScanResult
	for _, file := range files {
		run, err := a.Run(ctx, a.buildArgs(filepath.Join(target, file), opts)...)
		if err != nil {
			return res, err
		}

		current := a.NewResult(target, run)
		if res == nil {
			res = current
		} else {
			res.EndTime = current.EndTime
			res.StderrTail = current.StderrTail
			res.StdoutTail = current.StdoutTail
			if current.ExitCode > res.ExitCode {
				res.ExitCode = current.ExitCode
			}
		}

		if run.ExitCode > 1 {
			return res, errors.NewScanError(a.Name(), fmt.Sprintf("pip-audit exited with code %d auditing %s", run.ExitCode, file), current.StderrTail)
		}

		raw, err := parsePipAuditOutput(run.Stdout, file)
		if err != nil {
			return res, errors.NewScanError(a.Name(), fmt.Sprintf("failed to parse pip-audit output for %s", file), current.StderrTail).WithCause(err)
		}
		res.Findings = append(res.Findings, raw...)
	}

	return res, nil
}

// buildArgs assembles one pip-audit invocation. Option keys: ignore_vulns,
// index_url and extra_index_urls.
func (a *Agent) buildArgs(requirements string, opts map[string]any) []string {
	args := []string{"-f", "json", "--progress-spinner", "off", "--desc", "on"}
	args = append(args, a.Config().Args...)
	args = append(args, "-r", requirements)

	if index := scanner.OptionString(opts, "index_url"); index != "" {
		args = append(args, "--index-url", index)
	}
	for _, extra := range scanner.OptionStrings(opts, "extra_index_urls") {
		args = append(args, "--extra-index-url", extra)
	}
	for _, id := range scanner.OptionStrings(opts, "ignore_vulns") {
		args = append(args, "--ignore-vuln", id)
	}
	return args
}

// findRequirementsFiles finds all requirements files in the repository
func findRequirementsFiles(target string, candidates []string) []string {
	var found []string
	for _, name := range candidates {
		if info, err := os.Stat(filepath.Join(target, name)); err == nil && !info.IsDir() {
			found = append(found, name)
		}
	}
	return found
}
