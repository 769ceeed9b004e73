package scanner

import (
	"context"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
)

// Plugin defines the lifecycle every scanner integration must implement
type Plugin interface {
	// Name returns the registry name of the scanner
	Name() string

	// Type returns the scanner category
	Type() finding.ScannerType

	// Configure merges cfg into the plugin state
	Configure(cfg Config) error

	// Validate reports whether the underlying tool is available
	Validate(ctx context.Context) (bool, error)

	// Scan runs the tool once against target
	Scan(ctx context.Context, target string, opts map[string]any) (*ScanResult, error)
}

// RawFinding is a single scanner-native record, decoded from the tool output
// but not yet normalized.
type RawFinding map[string]any

// ScanResult is the output of one plugin execution
type ScanResult struct {
	ScannerName    string              `json:"scanner_name"`
	ScannerType    finding.ScannerType `json:"scanner_type"`
	ScannerVersion string              `json:"scanner_version,omitempty"`
	Target         string              `json:"target"`
	Findings       []RawFinding        `json:"findings"`
	StartTime      time.Time           `json:"start_time"`
	EndTime        time.Time           `json:"end_time"`
	ExitCode       int                 `json:"exit_code"`
	StdoutTail     string              `json:"stdout_tail,omitempty"`
	StderrTail     string              `json:"stderr_tail,omitempty"`
}

// Duration returns the wall time of the execution
func (r *ScanResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Normalizer converts a raw record from res into a Finding.
type Normalizer func(raw RawFinding, res *ScanResult) (*finding.Finding, error)
