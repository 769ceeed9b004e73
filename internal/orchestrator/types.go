package orchestrator

import (
	"time"

	"github.com/awslabs/automated-security-helper-sub041/internal/aggregator"
	"github.com/awslabs/automated-security-helper-sub041/internal/engine"
	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/suppression"
)

// Process exit statuses
const (
	ExitClean          = 0
	ExitActiveFindings = 1
	ExitScannerFailure = 2
	ExitConfigError    = 3
	ExitBusy           = 4
)

// ScanInProgressMessage is carried by the conflict error returned while
// another run holds the service
const ScanInProgressMessage = "a scan is already in progress"

// Run statuses recorded on reports and metrics
const (
	RunStatusClean      = "clean"
	RunStatusFindings   = "findings"
	RunStatusFailed     = "failed"
	RunStatusIncomplete = "incomplete"
	RunStatusInvalid    = "config_error"
)

// ScanRequest represents a request to scan one source tree
type ScanRequest struct {
	Target    string            `json:"target"`
	RunConfig *config.RunConfig `json:"-"`
	RunID     string            `json:"run_id,omitempty"`
}

// ScannerStatus represents the outcome of a single scanner job
type ScannerStatus struct {
	Name          string              `json:"name"`
	State         engine.JobState     `json:"state"`
	ScannerType   finding.ScannerType `json:"scanner_type,omitempty"`
	Version       string              `json:"version,omitempty"`
	RawFindings   int                 `json:"raw_findings"`
	ExitCode      int                 `json:"exit_code"`
	Duration      time.Duration       `json:"duration"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	StderrExcerpt string              `json:"stderr_excerpt,omitempty"`
}

// Report represents the complete results of a scan run
type Report struct {
	RunID       string        `json:"run_id"`
	Target      string        `json:"target"`
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	Findings []aggregator.Annotated `json:"findings"`
	Summary  aggregator.Summary     `json:"summary"`
	Progress engine.Progress        `json:"progress"`
	Scanners []ScannerStatus        `json:"scanners"`

	ValidationErrors     []string           `json:"validation_errors,omitempty"`
	UnusedSuppressions   []suppression.Rule `json:"unused_suppressions,omitempty"`
	ExpiringSuppressions []suppression.Rule `json:"expiring_suppressions,omitempty"`
	SnapshotError        string             `json:"snapshot_error,omitempty"`
}

// Failed reports whether at least one scanner failed
func (r *Report) Failed() bool {
	return r.Progress.Failed > 0
}

// Incomplete reports whether scanner output had to be rejected during
// normalization, so the finding set may be missing records
func (r *Report) Incomplete() bool {
	return len(r.ValidationErrors) > 0
}

// ExitCode maps the report onto the process exit status. A scanner failure
// or rejected scanner output outranks active findings.
func (r *Report) ExitCode() int {
	switch {
	case r.Failed(), r.Incomplete():
		return ExitScannerFailure
	case r.Summary.Active > 0:
		return ExitActiveFindings
	default:
		return ExitClean
	}
}

// ActiveFindings returns the findings that were not suppressed
func (r *Report) ActiveFindings() []aggregator.Annotated {
	active := make([]aggregator.Annotated, 0, r.Summary.Active)
	for _, f := range r.Findings {
		if !f.Suppressed {
			active = append(active, f)
		}
	}
	return active
}
