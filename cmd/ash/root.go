package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/awslabs/automated-security-helper-sub041/agents/custom"
	"github.com/awslabs/automated-security-helper-sub041/agents/sast/bandit"
	"github.com/awslabs/automated-security-helper-sub041/agents/sast/semgrep"
	"github.com/awslabs/automated-security-helper-sub041/agents/sca/pip"
	"github.com/awslabs/automated-security-helper-sub041/internal/engine"
	"github.com/awslabs/automated-security-helper-sub041/internal/orchestrator"
	"github.com/awslabs/automated-security-helper-sub041/internal/trend"
	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/metrics"
	"github.com/awslabs/automated-security-helper-sub041/pkg/resilience"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
	"github.com/awslabs/automated-security-helper-sub041/pkg/tracing"
)

// cli holds state shared by all subcommands
type cli struct {
	logLevel  string
	logFormat string
	exitCode  int

	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Service
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ash",
		Short: "ASH - security scanner orchestration",
		Long: `ash runs a configurable set of security scanners against a source tree,
normalizes their findings, applies suppressions and tracks findings across runs.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return c.setup() },
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides ASH_LOG_LEVEL")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "log format (text, json); overrides ASH_LOG_FORMAT")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.NewConfigError(err.Error())
	})

	root.AddCommand(c.scanCommand(), c.suppressionsCommand(), c.serveCommand(), versionCommand())
	return root
}

func (c *cli) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Logging.Format = c.logFormat
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "ash",
		Version:     version,
	})
	if err != nil {
		return errors.NewConfigError("invalid logging configuration").WithCause(err)
	}
	logging.SetGlobalLogger(logger)

	tracer, err := tracing.NewService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    "cli",
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
		tracer = tracing.Noop()
	}

	c.cfg = cfg
	c.logger = logger
	c.metrics = metrics.NewMetrics(nil)
	c.tracer = tracer
	return nil
}

// newRegistry registers the bundled plugins plus any command-only scanners
// named in rc.
func newRegistry(rc *config.RunConfig) (*scanner.Registry, error) {
	reg := scanner.NewRegistry()
	for _, register := range []func(*scanner.Registry) error{
		bandit.Register,
		semgrep.Register,
		pip.Register,
		custom.Register,
	} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}
	if _, err := custom.RegisterFromConfig(reg, rc); err != nil {
		return nil, err
	}
	return reg, nil
}

// newService wires the orchestration service to the configured snapshot
// store. The returned func releases the store.
func (c *cli) newService(ctx context.Context, rc *config.RunConfig, listener engine.ProgressListener) (*orchestrator.Service, func(), error) {
	reg, err := newRegistry(rc)
	if err != nil {
		return nil, nil, err
	}

	store, err := trend.Open(ctx, c.cfg)
	if err != nil {
		return nil, nil, err
	}
	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig()).WithLogger(c.logger)
	instrumented := trend.Instrument(trend.WithRetry(store, retrier), c.metrics, c.tracer)

	svc := orchestrator.NewService(reg, trend.NewAnalyzer(instrumented, c.logger),
		orchestrator.WithLogger(c.logger),
		orchestrator.WithMetrics(c.metrics),
		orchestrator.WithTracer(c.tracer),
		orchestrator.WithProgressListener(listener),
	)

	cleanup := func() {
		if err := store.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close snapshot store")
		}
		if err := c.tracer.Shutdown(context.Background()); err != nil {
			c.logger.WithError(err).Warn("Failed to flush traces")
		}
	}
	return svc, cleanup, nil
}

// runConfigCandidates are tried in order, relative to the scan target, when
// no --config is given.
var runConfigCandidates = []string{
	filepath.Join(".ash", "ash.yaml"),
	"ash.yaml",
}

// defaultScanners are scheduled when no run config file exists
var defaultScanners = []string{bandit.ScannerName, semgrep.ScannerName, pip.ScannerName}

func resolveRunConfig(path, target string) (*config.RunConfig, string, error) {
	if path != "" {
		rc, err := config.LoadRunConfig(path)
		return rc, path, err
	}

	for _, candidate := range runConfigCandidates {
		p := filepath.Join(target, candidate)
		if _, err := os.Stat(p); err == nil {
			rc, err := config.LoadRunConfig(p)
			return rc, p, err
		}
	}

	rc := &config.RunConfig{Scanners: make(map[string]config.ScannerSettings, len(defaultScanners))}
	for _, name := range defaultScanners {
		rc.Scanners[name] = config.ScannerSettings{}
	}
	return rc, "", nil
}
