package engine

import (
	"fmt"
	"strings"

	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

// Strategy selects how scheduled jobs are run
type Strategy string

const (
	StrategySequential Strategy = config.ModeSequential
	StrategyParallel   Strategy = config.ModeParallel
)

// ParseStrategy converts an execution mode name into a Strategy. The empty
// string selects the parallel default.
func ParseStrategy(mode string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(mode))) {
	case "", StrategyParallel:
		return StrategyParallel, nil
	case StrategySequential:
		return StrategySequential, nil
	default:
		return "", errors.NewConfigError(fmt.Sprintf("invalid execution mode %q, expected %s or %s", mode, StrategySequential, StrategyParallel))
	}
}

// JobState is the lifecycle state of one scheduled scanner
type JobState string

const (
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
)

// Terminal reports whether no further transition can happen
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Progress counts jobs of the current run
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Finished returns the number of jobs in a terminal state
func (p Progress) Finished() int {
	return p.Completed + p.Failed
}

// Done reports whether every scheduled job has finished
func (p Progress) Done() bool {
	return p.Finished() >= p.Total
}

// ProgressListener is notified on every job state transition. Calls are
// serialized.
type ProgressListener func(scannerName string, state JobState, progress Progress)
