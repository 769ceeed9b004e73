package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/metrics"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
	"github.com/awslabs/automated-security-helper-sub041/pkg/tracing"
)

// Engine runs scanner plugins against a target and isolates their failures
type Engine struct {
	registry   *scanner.Registry
	target     string
	strategy   Strategy
	maxWorkers int

	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Service
	listener ProgressListener

	mu       sync.Mutex
	progress Progress
	states   map[string]JobState

	notifyMu sync.Mutex
	runMu    sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithStrategy sets the execution strategy
func WithStrategy(s Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer enables span creation per run and per job
func WithTracer(t *tracing.Service) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithProgressListener registers a callback for state transitions
func WithProgressListener(l ProgressListener) Option {
	return func(e *Engine) { e.listener = l }
}

// New creates an engine that scans target with plugins from registry
func New(registry *scanner.Registry, target string, opts ...Option) *Engine {
	if registry == nil {
		registry = scanner.DefaultRegistry
	}
	e := &Engine{
		registry:   registry,
		target:     target,
		strategy:   StrategyParallel,
		maxWorkers: config.DefaultMaxWorkers,
		states:     make(map[string]JobState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.GetLogger()
	}
	if e.tracer == nil {
		e.tracer = tracing.Noop()
	}
	return e
}

// SetStrategy switches between sequential and parallel execution
func (e *Engine) SetStrategy(s Strategy) error {
	if s != StrategySequential && s != StrategyParallel {
		return errors.NewConfigError(fmt.Sprintf("invalid execution strategy %q", s))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategy = s
	return nil
}

// SetMaxWorkers sets the parallel width
func (e *Engine) SetMaxWorkers(n int) error {
	if n < 1 {
		return errors.NewConfigError(fmt.Sprintf("max workers must be at least 1, got %d", n))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxWorkers = n
	return nil
}

// Progress returns a snapshot of the current run's counters
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// JobStates returns a copy of the state of every job in the current run
func (e *Engine) JobStates() map[string]JobState {
	e.mu.Lock()
	defer e.mu.Unlock()

	states := make(map[string]JobState, len(e.states))
	for name, state := range e.states {
		states[name] = state
	}
	return states
}

type job struct {
	name     string
	settings config.ScannerSettings
}

type outcome struct {
	name   string
	result *scanner.ScanResult
	err    error
}

// Execute runs every enabled scanner in scanners to a terminal state. Results
// of successful jobs are returned even when others fail; the failures are
// reported together as a multi-error of ScanErrors.
func (e *Engine) Execute(ctx context.Context, scanners map[string]config.ScannerSettings) (map[string]*scanner.ScanResult, error) {
	if scanners == nil {
		return nil, errors.NewConfigError("scanner configuration must be a mapping of name to settings")
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	names := make([]string, 0, len(scanners))
	for name := range scanners {
		names = append(names, name)
	}
	sort.Strings(names)

	var schedule []job
	for _, name := range names {
		if !e.registry.Has(name) {
			return nil, errors.NewConfigError(fmt.Sprintf("unknown scanner: %s", name))
		}
		if settings := scanners[name]; settings.IsEnabled() {
			schedule = append(schedule, job{name: name, settings: settings})
		}
	}

	width := e.reset(schedule)
	results := make(map[string]*scanner.ScanResult, len(schedule))
	if len(schedule) == 0 {
		return results, nil
	}

	runID := logging.GetRunID(ctx)
	ctx, span := e.tracer.StartRunSpan(ctx, runID, e.target, len(schedule))
	defer span.End()

	e.logger.WithContext(ctx).WithFields(logrus.Fields{
		"scanners": len(schedule),
		"workers":  width,
		"strategy": string(e.strategy),
	}).Info("Starting scanner execution")

	jobs := make(chan job, len(schedule))
	outcomes := make(chan outcome, len(schedule))

	var wg sync.WaitGroup
	for i := 0; i < width; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res, err := e.runJob(ctx, j)
				outcomes <- outcome{name: j.name, result: res, err: err}
			}
		}()
	}

	for _, j := range schedule {
		jobs <- j
	}
	close(jobs)
	wg.Wait()
	close(outcomes)

	collected := make([]outcome, 0, len(schedule))
	for o := range outcomes {
		collected = append(collected, o)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].name < collected[j].name })

	var failures *multierror.Error
	for _, o := range collected {
		if o.err != nil {
			failures = multierror.Append(failures, o.err)
			continue
		}
		results[o.name] = o.result
	}

	progress := e.Progress()
	e.logger.WithContext(ctx).WithFields(logrus.Fields{
		"total":     progress.Total,
		"completed": progress.Completed,
		"failed":    progress.Failed,
	}).Info("Scanner execution finished")

	if err := failures.ErrorOrNil(); err != nil {
		span.SetAttributes(attribute.Int("scan.failed", progress.Failed))
		tracing.RecordError(span, err)
		return results, err
	}
	return results, nil
}

// reset prepares counters for a new run and returns the worker width
func (e *Engine) reset(schedule []job) int {
	e.mu.Lock()
	e.progress = Progress{Total: len(schedule)}
	e.states = make(map[string]JobState, len(schedule))
	for _, j := range schedule {
		e.states[j.name] = JobStateQueued
	}
	width := e.maxWorkers
	if e.strategy == StrategySequential {
		width = 1
	}
	if width > len(schedule) {
		width = len(schedule)
	}
	e.mu.Unlock()

	e.metrics.UpdateProgress(len(schedule), 0, 0)
	return width
}

// runJob executes a single scanner. It never panics; any panic raised by the
// plugin is converted into a ScanError.
func (e *Engine) runJob(ctx context.Context, j job) (res *scanner.ScanResult, err error) {
	ctx = logging.WithScanner(ctx, j.name)
	ctx, span := e.tracer.StartJobSpan(ctx, j.name)
	defer span.End()

	start := time.Now()
	e.transition(ctx, j.name, JobStateRunning, nil)

	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordPanic("engine")
			e.logger.WithContext(ctx).WithField("stack_trace", string(debug.Stack())).Error("Scanner panicked")
			res = nil
			err = errors.NewScanError(j.name, fmt.Sprintf("panic: %v", r), "")
		}

		status := JobStateCompleted
		if err != nil {
			status = JobStateFailed
			tracing.RecordError(span, err)
		}
		e.metrics.RecordJob(j.name, string(status), time.Since(start))
		e.transition(ctx, j.name, status, err)
	}()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.NewScanError(j.name, "run cancelled before start", "").WithCause(ctxErr)
	}

	plugin, err := e.registry.NewPlugin(j.name)
	if err != nil {
		return nil, errors.NewScanError(j.name, "failed to create plugin", "").WithCause(err)
	}

	if err := plugin.Configure(j.settings.ScannerConfig(j.name)); err != nil {
		return nil, errors.NewScanError(j.name, "configuration rejected", "").WithCause(err)
	}

	res, err = plugin.Scan(ctx, e.target, j.settings.Options)
	if err != nil {
		return nil, wrapScanError(j.name, res, err)
	}
	if res == nil {
		return nil, errors.NewScanError(j.name, "plugin returned no result", "")
	}
	if res.ScannerName == "" {
		res.ScannerName = j.name
	}
	if res.ScannerType == "" {
		res.ScannerType = plugin.Type()
	}

	return res, nil
}

func wrapScanError(name string, res *scanner.ScanResult, err error) error {
	if errors.IsType(err, errors.ErrorTypeScan) && errors.Detail(err, "scanner") == name {
		return err
	}
	tail := ""
	if res != nil {
		tail = res.StderrTail
	}
	return errors.NewScanError(name, "scan failed", tail).WithCause(err)
}

// transition moves a job to state, updates counters and notifies listeners.
func (e *Engine) transition(ctx context.Context, name string, state JobState, jobErr error) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if current := e.states[name]; current.Terminal() {
		e.mu.Unlock()
		return
	}
	e.states[name] = state
	switch state {
	case JobStateCompleted:
		e.progress.Completed++
	case JobStateFailed:
		e.progress.Failed++
	}
	snapshot := e.progress
	e.mu.Unlock()

	e.metrics.UpdateProgress(snapshot.Total, snapshot.Completed, snapshot.Failed)

	fields := logrus.Fields{
		"state":     string(state),
		"completed": snapshot.Completed,
		"failed":    snapshot.Failed,
		"total":     snapshot.Total,
	}
	switch state {
	case JobStateRunning:
		e.logger.LogJobEvent(ctx, "job_started", name, fields)
	case JobStateCompleted:
		e.logger.LogJobEvent(ctx, "job_completed", name, fields)
	case JobStateFailed:
		fields["error"] = jobErr.Error()
		e.logger.LogJobEvent(ctx, "job_failed", name, fields)
	}

	if e.listener != nil {
		e.listener(name, state, snapshot)
	}
}
