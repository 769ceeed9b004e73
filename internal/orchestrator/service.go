// Package orchestrator runs one scan end to end: scanner execution,
// finding aggregation and suppression, and trend snapshotting.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/awslabs/automated-security-helper-sub041/internal/aggregator"
	"github.com/awslabs/automated-security-helper-sub041/internal/engine"
	"github.com/awslabs/automated-security-helper-sub041/internal/trend"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/metrics"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
	"github.com/awslabs/automated-security-helper-sub041/pkg/suppression"
	"github.com/awslabs/automated-security-helper-sub041/pkg/tracing"
)

// Service coordinates scan runs. Only one run executes at a time.
type Service struct {
	registry *scanner.Registry
	analyzer *trend.Analyzer
	config   *Config

	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Service
	listener engine.ProgressListener
	now      func() time.Time

	runMu   sync.Mutex
	running atomic.Bool

	mu      sync.RWMutex
	current *engine.Engine
	last    *Report
}

// Config contains orchestration configuration
type Config struct {
	ExpiryThresholdDays int `json:"expiry_threshold_days"`
}

// DefaultConfig returns default orchestration configuration
func DefaultConfig() *Config {
	return &Config{ExpiryThresholdDays: suppression.DefaultExpiryThresholdDays}
}

// Option configures a Service
type Option func(*Service)

// WithConfig overrides the orchestration configuration
func WithConfig(cfg *Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.config = cfg
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer enables span creation
func WithTracer(t *tracing.Service) Option {
	return func(s *Service) { s.tracer = t }
}

// WithProgressListener forwards engine state transitions to l
func WithProgressListener(l engine.ProgressListener) Option {
	return func(s *Service) { s.listener = l }
}

// WithClock overrides the wall clock used for timestamps and suppression
// expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an orchestration service. A nil analyzer keeps
// snapshots in memory.
func NewService(registry *scanner.Registry, analyzer *trend.Analyzer, opts ...Option) *Service {
	if registry == nil {
		registry = scanner.DefaultRegistry
	}
	s := &Service{
		registry: registry,
		config:   DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.GetLogger()
	}
	if s.tracer == nil {
		s.tracer = tracing.Noop()
	}
	if analyzer == nil {
		analyzer = trend.NewAnalyzer(nil, s.logger)
	}
	s.analyzer = analyzer
	return s
}

// Registry returns the plugin registry runs resolve scanners from
func (s *Service) Registry() *scanner.Registry {
	return s.registry
}

// Analyzer returns the trend analyzer fed by every run
func (s *Service) Analyzer() *trend.Analyzer {
	return s.analyzer
}

// LastReport returns the report of the most recent completed run
func (s *Service) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Running reports whether a run is executing
func (s *Service) Running() bool {
	return s.running.Load()
}

// Progress returns the counters and job states of the run in flight, or of
// the last run when none is executing. ok is false before the first run.
func (s *Service) Progress() (progress engine.Progress, states map[string]engine.JobState, ok bool) {
	s.mu.RLock()
	eng := s.current
	s.mu.RUnlock()
	if eng == nil {
		return engine.Progress{}, nil, false
	}
	return eng.Progress(), eng.JobStates(), true
}

// Run executes every enabled scanner of req.RunConfig against req.Target and
// returns the aggregated report. Scanner failures do not fail the run; they
// are reported on the Report. A configuration problem is returned as a
// ConfigError with no report.
func (s *Service) Run(ctx context.Context, req *ScanRequest) (*Report, error) {
	if err := s.validateRequest(req); err != nil {
		s.metrics.RecordScanRun(RunStatusInvalid, 0)
		return nil, err
	}
	if !s.runMu.TryLock() {
		return nil, errors.NewConflictError(ScanInProgressMessage)
	}
	defer s.runMu.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	rc := req.RunConfig
	strategy, err := engine.ParseStrategy(rc.Execution.Mode)
	if err != nil {
		s.metrics.RecordScanRun(RunStatusInvalid, 0)
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = logging.NewRunID()
	}
	ctx = logging.WithRunID(ctx, runID)
	started := s.now().UTC()

	eng := engine.New(s.registry, req.Target,
		engine.WithStrategy(strategy),
		engine.WithLogger(s.logger),
		engine.WithMetrics(s.metrics),
		engine.WithTracer(s.tracer),
		engine.WithProgressListener(s.listener),
	)
	if rc.Execution.MaxWorkers > 0 {
		if err := eng.SetMaxWorkers(rc.Execution.MaxWorkers); err != nil {
			s.metrics.RecordScanRun(RunStatusInvalid, 0)
			return nil, err
		}
	}

	s.mu.Lock()
	s.current = eng
	s.mu.Unlock()

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"target":   req.Target,
		"scanners": len(rc.EnabledScanners()),
		"strategy": string(strategy),
	}).Info("Scan started")

	results, execErr := eng.Execute(ctx, rc.Scanners)
	if execErr != nil && !errors.IsType(execErr, errors.ErrorTypeScan) {
		s.metrics.RecordScanRun(RunStatusInvalid, s.now().Sub(started))
		s.logger.LogError(ctx, execErr, "Scan rejected", nil)
		return nil, execErr
	}

	matcher := suppression.Matcher{Now: s.now, Logger: s.logger}
	agg := aggregator.New(rc.Suppressions, aggregator.WithMatcher(matcher), aggregator.WithLogger(s.logger))
	validationErr := agg.AddScanResults(results, s.registry)

	annotated := agg.Results()
	aggregator.SortBySeverity(annotated)

	completed := s.now().UTC()
	report := &Report{
		RunID:                runID,
		Target:               req.Target,
		StartedAt:            started,
		CompletedAt:          completed,
		Duration:             completed.Sub(started),
		Findings:             annotated,
		Summary:              aggregator.Summarize(annotated),
		Progress:             eng.Progress(),
		Scanners:             scannerStatuses(eng.JobStates(), results, execErr),
		ValidationErrors:     messages(validationErr),
		UnusedSuppressions:   agg.UnusedSuppressions(),
		ExpiringSuppressions: matcher.CheckForExpiringSuppressions(rc.Suppressions, s.config.ExpiryThresholdDays),
	}

	if err := s.analyzer.AddScanFindings(ctx, started, agg.Deduplicate()); err != nil {
		report.SnapshotError = err.Error()
		s.metrics.RecordError("orchestrator", string(errors.GetType(err)))
		s.logger.LogError(ctx, err, "Failed to store trend snapshot", nil)
	}

	report.Status = runStatus(report)
	s.record(report)

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	s.logger.WithDuration(report.Duration).WithFields(logrus.Fields{
		"run_id":     report.RunID,
		"status":     report.Status,
		"total":      report.Summary.Total,
		"active":     report.Summary.Active,
		"suppressed": report.Summary.Suppressed,
		"failed":     report.Progress.Failed,
		"rejected":   len(report.ValidationErrors),
	}).Info("Scan finished")

	return report, nil
}

func (s *Service) validateRequest(req *ScanRequest) error {
	if req == nil || req.RunConfig == nil {
		return errors.NewConfigError("scan request requires a run configuration")
	}
	if strings.TrimSpace(req.Target) == "" {
		return errors.NewConfigError("scan target is required")
	}
	info, err := os.Stat(req.Target)
	if err != nil {
		return errors.NewConfigError(fmt.Sprintf("scan target %s is not accessible", req.Target)).WithCause(err)
	}
	if !info.IsDir() {
		return errors.NewConfigError(fmt.Sprintf("scan target %s is not a directory", req.Target))
	}
	return nil
}

func (s *Service) record(report *Report) {
	for _, f := range report.Findings {
		s.metrics.RecordFinding(string(f.Severity), f.ScannerName, f.Suppressed)
	}
	for range report.ValidationErrors {
		s.metrics.RecordError("aggregator", string(errors.ErrorTypeValidation))
	}
	s.metrics.UpdateSuppressions(len(report.ExpiringSuppressions), len(report.UnusedSuppressions))
	s.metrics.RecordScanRun(report.Status, report.Duration)

	for _, rule := range report.ExpiringSuppressions {
		s.logger.Warn("Suppression expires soon", "rule_id", rule.RuleID, "path", rule.Path, "expiration", rule.Expiration)
	}
	for _, rule := range report.UnusedSuppressions {
		s.logger.Info("Suppression matched no findings", "rule_id", rule.RuleID, "path", rule.Path)
	}
}

func runStatus(r *Report) string {
	switch {
	case r.Failed():
		return RunStatusFailed
	case r.Incomplete():
		return RunStatusIncomplete
	case r.Summary.Active > 0:
		return RunStatusFindings
	default:
		return RunStatusClean
	}
}

// ExitStatus maps the outcome of Run onto the process exit status
func ExitStatus(report *Report, err error) int {
	if err != nil {
		switch {
		case errors.IsType(err, errors.ErrorTypeConflict):
			return ExitBusy
		case errors.IsType(err, errors.ErrorTypeConfig) || errors.IsType(err, errors.ErrorTypeValidation):
			return ExitConfigError
		}
		return ExitScannerFailure
	}
	if report == nil {
		return ExitClean
	}
	return report.ExitCode()
}

func scannerStatuses(states map[string]engine.JobState, results map[string]*scanner.ScanResult, execErr error) []ScannerStatus {
	failures := make(map[string]error)
	for _, err := range unwrapAll(execErr) {
		failures[errors.Detail(err, "scanner")] = err
	}

	statuses := make([]ScannerStatus, 0, len(states))
	for _, name := range sortedNames(states) {
		status := ScannerStatus{Name: name, State: states[name]}
		if res, ok := results[name]; ok && res != nil {
			status.ScannerType = res.ScannerType
			status.Version = res.ScannerVersion
			status.RawFindings = len(res.Findings)
			status.ExitCode = res.ExitCode
			status.Duration = res.Duration()
		}
		if err, ok := failures[name]; ok {
			status.ErrorMessage = err.Error()
			status.StderrExcerpt = errors.Detail(err, "stderr")
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func sortedNames(states map[string]engine.JobState) []string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unwrapAll(err error) []error {
	if err == nil {
		return nil
	}
	if merr, ok := err.(*multierror.Error); ok {
		return merr.WrappedErrors()
	}
	return []error{err}
}

func messages(err error) []string {
	var out []string
	for _, e := range unwrapAll(err) {
		out = append(out, e.Error())
	}
	return out
}
