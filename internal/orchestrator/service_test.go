package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/automated-security-helper-sub041/internal/engine"
	"github.com/awslabs/automated-security-helper-sub041/internal/trend"
	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/metrics"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner/scannertest"
)

var fixedNow = time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	logger.SetOutput(&bytes.Buffer{})
	return logger
}

type scanFunc func(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error)

func register(t *testing.T, reg *scanner.Registry, name string, scan scanFunc) {
	t.Helper()
	require.NoError(t, reg.Register(name, scanner.Registration{Factory: func() scanner.Plugin {
		return &scannertest.FuncPlugin{PluginName: name, PluginType: finding.ScannerTypeSAST, ScanFunc: scan}
	}}))
}

func returns(name string, raw ...scanner.RawFinding) scanFunc {
	return func(_ context.Context, target string, _ map[string]any) (*scanner.ScanResult, error) {
		return &scanner.ScanResult{
			ScannerName:    name,
			ScannerType:    finding.ScannerTypeSAST,
			ScannerVersion: "1.0.0",
			Target:         target,
			Findings:       raw,
			ExitCode:       1,
		}, nil
	}
}

func fails(msg string) scanFunc {
	return func(context.Context, string, map[string]any) (*scanner.ScanResult, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

func runConfig(t *testing.T, yaml string) *config.RunConfig {
	t.Helper()
	rc, err := config.ParseRunConfig([]byte(yaml), fixedNow)
	require.NoError(t, err)
	return rc
}

func newTestService(t *testing.T, reg *scanner.Registry, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger(t)),
		WithClock(func() time.Time { return fixedNow }),
	}
	return NewService(reg, trend.NewAnalyzer(trend.NewMemoryStore(), quietLogger(t)), append(base, opts...)...)
}

var (
	assertUsed = scanner.RawFinding{
		"rule_id": "B101", "title": "assert used", "description": "assert statement",
		"severity": "HIGH", "file_path": "src/app.py", "line_start": 10,
	}
	weakHash = scanner.RawFinding{
		"rule_id": "B303", "title": "weak hash", "description": "md5 in use",
		"severity": "LOW", "file_path": "src/util.py", "line_start": 3,
	}
)

const suppressionYAML = `
suppressions:
  - rule_id: "B1*"
    path: "src/*.py"
    line_start: 5
    line_end: 20
    reason: "test fixtures"
    expiration: "2025-07-01"
  - rule_id: "Z9"
    path: "docs/*"
    reason: "never matches"
`

func TestService_Run_PartialFailure(t *testing.T) {
	reg := scanner.NewRegistry()
	register(t, reg, "alpha", returns("alpha", assertUsed, weakHash))
	register(t, reg, "beta", fails("boom"))

	m := metrics.NewMetrics(nil)
	svc := newTestService(t, reg, WithMetrics(m))

	rc := runConfig(t, `
scanners:
  alpha: {}
  beta: {}
`+suppressionYAML)

	report, err := svc.Run(context.Background(), &ScanRequest{Target: t.TempDir(), RunConfig: rc, RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, engine.Progress{Total: 2, Completed: 1, Failed: 1}, report.Progress)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Active)
	assert.Equal(t, 1, report.Summary.Suppressed)
	assert.Equal(t, ExitScannerFailure, report.ExitCode())
	assert.Equal(t, RunStatusFailed, report.Status)
	assert.Equal(t, ExitScannerFailure, ExitStatus(report, nil))

	require.Len(t, report.Findings, 2)
	assert.Equal(t, finding.SeverityHigh, report.Findings[0].Severity)
	assert.True(t, report.Findings[0].Suppressed)
	assert.Equal(t, "B1*", report.Findings[0].MatchedRule.RuleID)
	assert.False(t, report.Findings[1].Suppressed)

	active := report.ActiveFindings()
	require.Len(t, active, 1)
	assert.Equal(t, "weak hash", active[0].Title)

	require.Len(t, report.Scanners, 2)
	assert.Equal(t, "alpha", report.Scanners[0].Name)
	assert.Equal(t, engine.JobStateCompleted, report.Scanners[0].State)
	assert.Equal(t, 2, report.Scanners[0].RawFindings)
	assert.Equal(t, "1.0.0", report.Scanners[0].Version)
	assert.Empty(t, report.Scanners[0].ErrorMessage)
	assert.Equal(t, "beta", report.Scanners[1].Name)
	assert.Equal(t, engine.JobStateFailed, report.Scanners[1].State)
	assert.Contains(t, report.Scanners[1].ErrorMessage, "boom")

	require.Len(t, report.UnusedSuppressions, 1)
	assert.Equal(t, "Z9", report.UnusedSuppressions[0].RuleID)
	require.Len(t, report.ExpiringSuppressions, 1)
	assert.Equal(t, "B1*", report.ExpiringSuppressions[0].RuleID)

	timestamps, err := svc.Analyzer().Timestamps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Time{fixedNow}, timestamps)
	assert.Empty(t, report.SnapshotError)

	assert.Same(t, report, svc.LastReport())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScanRunsTotal.WithLabelValues(RunStatusFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FindingsTotal.WithLabelValues("HIGH", "alpha", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FindingsTotal.WithLabelValues("LOW", "alpha", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SuppressionsUnused))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SuppressionsExpiring))
}

func TestService_Run_ExitStatuses(t *testing.T) {
	tests := []struct {
		name     string
		raw      []scanner.RawFinding
		yaml     string
		exitCode int
		status   string
	}{
		{"no findings", nil, "", ExitClean, RunStatusClean},
		{"active finding", []scanner.RawFinding{weakHash}, "", ExitActiveFindings, RunStatusFindings},
		{"all suppressed", []scanner.RawFinding{assertUsed}, suppressionYAML, ExitClean, RunStatusClean},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := scanner.NewRegistry()
			register(t, reg, "alpha", returns("alpha", tt.raw...))
			svc := newTestService(t, reg)

			report, err := svc.Run(context.Background(), &ScanRequest{
				Target:    t.TempDir(),
				RunConfig: runConfig(t, "scanners:\n  alpha: {}\n"+tt.yaml),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.exitCode, report.ExitCode())
			assert.Equal(t, tt.status, report.Status)
			assert.NotEmpty(t, report.RunID)
		})
	}
}

func TestService_Run_ConfigErrors(t *testing.T) {
	reg := scanner.NewRegistry()
	register(t, reg, "alpha", returns("alpha"))
	svc := newTestService(t, reg)

	tests := []struct {
		name string
		req  *ScanRequest
	}{
		{"nil request", nil},
		{"missing run config", &ScanRequest{Target: t.TempDir()}},
		{"missing target", &ScanRequest{RunConfig: &config.RunConfig{}}},
		{"target does not exist", &ScanRequest{Target: "/does/not/exist", RunConfig: &config.RunConfig{}}},
		{"unknown scanner", &ScanRequest{Target: t.TempDir(), RunConfig: runConfig(t, "scanners:\n  gamma: {}\n")}},
		{"invalid mode", &ScanRequest{Target: t.TempDir(), RunConfig: &config.RunConfig{Execution: config.ExecutionConfig{Mode: "batch"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := svc.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, report)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			assert.Equal(t, ExitConfigError, ExitStatus(report, err))
		})
	}
	assert.Nil(t, svc.LastReport())
}

func TestService_Run_ValidationErrorsReported(t *testing.T) {
	reg := scanner.NewRegistry()
	register(t, reg, "alpha", returns("alpha", weakHash, scanner.RawFinding{"severity": "SEVERE", "file_path": "x.py"}))
	svc := newTestService(t, reg)

	report, err := svc.Run(context.Background(), &ScanRequest{
		Target:    t.TempDir(),
		RunConfig: runConfig(t, "scanners:\n  alpha: {}\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Total)
	require.Len(t, report.ValidationErrors, 1)
	assert.Contains(t, report.ValidationErrors[0], "alpha")
	assert.Equal(t, ExitScannerFailure, report.ExitCode())
	assert.Equal(t, RunStatusIncomplete, report.Status)
}

func TestService_Run_OnlyRejectedRecordsIsNotClean(t *testing.T) {
	reg := scanner.NewRegistry()
	register(t, reg, "alpha", returns("alpha", scanner.RawFinding{"severity": "WARNING", "file_path": "x.py", "title": "sqli"}))
	svc := newTestService(t, reg)

	report, err := svc.Run(context.Background(), &ScanRequest{
		Target:    t.TempDir(),
		RunConfig: runConfig(t, "scanners:\n  alpha: {}\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.Total)
	require.Len(t, report.ValidationErrors, 1)
	assert.Contains(t, report.ValidationErrors[0], "WARNING")
	assert.True(t, report.Incomplete())
	assert.False(t, report.Failed())
	assert.Equal(t, RunStatusIncomplete, report.Status)
	assert.Equal(t, ExitScannerFailure, report.ExitCode())
	assert.Equal(t, ExitScannerFailure, ExitStatus(report, nil))
}

func TestService_Run_LogsSummary(t *testing.T) {
	reg := scanner.NewRegistry()
	register(t, reg, "alpha", returns("alpha", weakHash))

	logger := quietLogger(t)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	svc := newTestService(t, reg, WithLogger(logger))

	_, err := svc.Run(context.Background(), &ScanRequest{
		Target:    t.TempDir(),
		RunConfig: runConfig(t, "scanners:\n  alpha: {}\n"),
		RunID:     "run-42",
	})
	require.NoError(t, err)

	var finished map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "Scan finished" {
			finished = entry
		}
	}
	require.NotNil(t, finished)
	assert.Equal(t, "run-42", finished["run_id"])
	assert.Equal(t, RunStatusFindings, finished["status"])
	assert.Equal(t, float64(0), finished["duration_ms"])
	assert.Equal(t, float64(0), finished["rejected"])
}

func TestService_Run_SnapshotsFeedTrends(t *testing.T) {
	reg := scanner.NewRegistry()
	first := true
	register(t, reg, "alpha", func(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error) {
		if first {
			first = false
			return returns("alpha", assertUsed, weakHash)(ctx, target, opts)
		}
		return returns("alpha", weakHash)(ctx, target, opts)
	})

	now := fixedNow
	svc := newTestService(t, reg, WithClock(func() time.Time { return now }))
	rc := runConfig(t, "execution:\n  mode: sequential\nscanners:\n  alpha: {}\n")
	target := t.TempDir()

	_, err := svc.Run(context.Background(), &ScanRequest{Target: target, RunConfig: rc})
	require.NoError(t, err)
	t1 := now

	now = now.Add(24 * time.Hour)
	_, err = svc.Run(context.Background(), &ScanRequest{Target: target, RunConfig: rc})
	require.NoError(t, err)
	t2 := now

	resolved, err := svc.Analyzer().GetResolvedFindings(context.Background(), t1, t2)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "assert used", resolved[0].Title)

	counts, err := svc.Analyzer().GetFindingCountsOverTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[time.Time]int{t1: 2, t2: 1}, counts)
}

func TestService_Run_SingleFlight(t *testing.T) {
	reg := scanner.NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	register(t, reg, "slow", func(ctx context.Context, target string, opts map[string]any) (*scanner.ScanResult, error) {
		close(started)
		<-release
		return returns("slow")(ctx, target, opts)
	})

	var transitions []engine.JobState
	svc := newTestService(t, reg, WithProgressListener(func(_ string, state engine.JobState, _ engine.Progress) {
		transitions = append(transitions, state)
	}))

	_, _, ok := svc.Progress()
	assert.False(t, ok)

	rc := runConfig(t, "scanners:\n  slow: {}\n")
	target := t.TempDir()
	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), &ScanRequest{Target: target, RunConfig: rc})
		done <- err
	}()

	<-started
	progress, states, ok := svc.Progress()
	assert.True(t, ok)
	assert.Equal(t, engine.Progress{Total: 1}, progress)
	assert.Equal(t, engine.JobStateRunning, states["slow"])

	_, err := svc.Run(context.Background(), &ScanRequest{Target: target, RunConfig: rc})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.Equal(t, ExitBusy, ExitStatus(nil, err))

	close(release)
	require.NoError(t, <-done)

	progress, _, _ = svc.Progress()
	assert.Equal(t, engine.Progress{Total: 1, Completed: 1}, progress)
	assert.Equal(t, []engine.JobState{engine.JobStateRunning, engine.JobStateCompleted}, transitions)
}

func TestExitStatus(t *testing.T) {
	assert.Equal(t, ExitClean, ExitStatus(nil, nil))
	assert.Equal(t, ExitConfigError, ExitStatus(nil, errors.NewConfigError("bad")))
	assert.Equal(t, ExitConfigError, ExitStatus(nil, errors.NewValidationError("bad suppression")))
	assert.Equal(t, ExitScannerFailure, ExitStatus(nil, errors.NewInternalError("store down")))
	assert.Equal(t, ExitBusy, ExitStatus(nil, errors.NewConflictError(ScanInProgressMessage)))
}
