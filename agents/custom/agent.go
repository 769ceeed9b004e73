// Package custom runs an arbitrary command that prints findings as JSON.
//
// The command is configured entirely from the run config. Its stdout must be
// either a JSON array of findings or an object holding the array under the
// findings key, with records using the default normalizer field names
// (rule_id, title, description, severity, file_path, line_start, line_end).
package custom

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

const (
	ScannerName        = "custom"
	DefaultFindingsKey = "findings"
	DefaultTimeout     = 15 * time.Minute
	DefaultMaxExitCode = 1
)

// Agent runs a user-supplied command
type Agent struct {
	*scanner.Base
}

// NewAgent creates a custom plugin registered as name. An empty scannerType
// means CUSTOM.
func NewAgent(name string, scannerType finding.ScannerType) *Agent {
	if scannerType == "" {
		scannerType = finding.ScannerTypeCustom
	}
	return &Agent{Base: scanner.NewBase(scanner.Config{
		Name:    name,
		Type:    scannerType,
		Timeout: DefaultTimeout,
		Options: map[string]any{
			"findings_key":  DefaultFindingsKey,
			"target_arg":    true,
			"max_exit_code": DefaultMaxExitCode,
		},
	})}
}

// Register adds the generic "custom" scanner to reg
func Register(reg *scanner.Registry) error {
	return register(reg, ScannerName, "")
}

// RegisterFromConfig registers every scanner in rc that names a command but
// is not already known to reg. It returns the names it added.
func RegisterFromConfig(reg *scanner.Registry, rc *config.RunConfig) ([]string, error) {
	if rc == nil {
		return nil, nil
	}

	var added []string
	for _, name := range rc.EnabledScanners() {
		settings := rc.Scanners[name]
		if settings.Command == "" || reg.Has(name) {
			continue
		}
		if err := register(reg, name, finding.ScannerType(settings.Type)); err != nil {
			return added, err
		}
		added = append(added, name)
	}
	return added, nil
}

func register(reg *scanner.Registry, name string, scannerType finding.ScannerType) error {
	return reg.Register(name, scanner.Registration{
		Factory:    func() scanner.Plugin { return NewAgent(name, scannerType) },
		Normalizer: scanner.DefaultNormalizer,
	})
}

// Scan runs the configured command. Option keys: findings_key, target_arg
// (append target as the final argument) and max_exit_code.
func (a *Agent) Scan(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error) {
	opts = a.Options(opts)

	key := scanner.OptionString(opts, "findings_key")
	if key == "" {
		key = DefaultFindingsKey
	}

	res, err := a.RunJSON(ctx, target, key, a.buildArgs(target, opts)...)
	if err != nil {
		return res, err
	}

	if limit := maxExitCode(opts); res.ExitCode > limit {
		return res, errors.NewScanError(a.Name(), fmt.Sprintf("command exited with code %d", res.ExitCode), res.StderrTail)
	}
	return res, nil
}

func (a *Agent) buildArgs(target string, opts map[string]any) []string {
	args := append([]string{}, a.Config().Args...)
	if scanner.OptionBool(opts, "target_arg", true) {
		args = append(args, target)
	}
	return args
}

func maxExitCode(opts map[string]any) int {
	if v := scanner.OptionString(opts, "max_exit_code"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return DefaultMaxExitCode
}
