package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/awslabs/automated-security-helper-sub041/internal/orchestrator"
	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

type scanOptions struct {
	configPath string
	target     string
	mode       string
	workers    int
	output     string
	outputFile string
	only       []string
	runID      string
	quiet      bool
}

func (c *cli) scanCommand() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the configured scanners against a source tree",
		Long: `Run every enabled scanner against the target directory and report the
aggregated findings.

Exit status: 0 when there are no active findings, 1 when active findings
remain after suppressions, 2 when a scanner failed or its output could not be
normalized, 3 on a configuration error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runScan(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "run config file (default: <target>/.ash/ash.yaml or <target>/ash.yaml)")
	flags.StringVarP(&opts.target, "target", "t", ".", "directory to scan")
	flags.StringVar(&opts.mode, "mode", "", "execution mode: sequential or parallel")
	flags.IntVar(&opts.workers, "workers", 0, "parallel worker count")
	flags.StringVarP(&opts.output, "output", "o", "text", "report format: text or json")
	flags.StringVar(&opts.outputFile, "output-file", "", "write the report to this file instead of stdout")
	flags.StringSliceVar(&opts.only, "only", nil, "run only these scanners")
	flags.StringVar(&opts.runID, "run-id", "", "run identifier (default: generated)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print scanner progress")
	return cmd
}

func (c *cli) runScan(cmd *cobra.Command, opts *scanOptions) error {
	format := strings.ToLower(opts.output)
	if format != "text" && format != "json" {
		return errors.NewConfigError(fmt.Sprintf("unsupported output format %q", opts.output))
	}

	rc, path, err := resolveRunConfig(opts.configPath, opts.target)
	if err != nil {
		return err
	}
	if err := c.applyExecution(rc, opts); err != nil {
		return err
	}
	if len(opts.only) > 0 {
		restrict(rc, opts.only)
	}
	if path != "" {
		c.logger.Debug("Loaded run config", "path", path)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progress io.Writer = cmd.ErrOrStderr()
	if opts.quiet {
		progress = io.Discard
	}
	svc, cleanup, err := c.newService(ctx, rc, progressPrinter(progress))
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := svc.Run(ctx, &orchestrator.ScanRequest{Target: opts.target, RunConfig: rc, RunID: opts.runID})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.outputFile != "" {
		f, err := os.Create(opts.outputFile)
		if err != nil {
			return errors.NewConfigError(fmt.Sprintf("cannot write report to %s", opts.outputFile)).WithCause(err)
		}
		defer f.Close()
		out = f
	}

	if format == "json" {
		err = renderJSON(out, report)
	} else {
		err = renderText(out, report)
	}
	if err != nil {
		return errors.NewInternalError("failed to write report").WithCause(err)
	}

	c.exitCode = orchestrator.ExitStatus(report, nil)
	return nil
}

// applyExecution fills unset execution settings from the process config and
// applies command line overrides.
func (c *cli) applyExecution(rc *config.RunConfig, opts *scanOptions) error {
	if opts.mode != "" {
		rc.Execution.Mode = opts.mode
	} else if rc.Execution.Mode == "" {
		rc.Execution.Mode = c.cfg.Execution.Mode
	}
	if opts.workers != 0 {
		rc.Execution.MaxWorkers = opts.workers
	} else if rc.Execution.MaxWorkers == 0 {
		rc.Execution.MaxWorkers = c.cfg.Execution.MaxWorkers
	}
	if opts.workers < 0 {
		return errors.NewConfigError("--workers must be at least 1")
	}
	return rc.Execution.Validate()
}

// restrict disables every scanner not named in only. Named scanners missing
// from the config are scheduled with default settings.
func restrict(rc *config.RunConfig, only []string) {
	keep := make(map[string]bool, len(only))
	for _, name := range only {
		keep[strings.TrimSpace(name)] = true
	}

	off := false
	for name, settings := range rc.Scanners {
		if !keep[name] {
			settings.Enabled = &off
			rc.Scanners[name] = settings
		}
	}
	if rc.Scanners == nil {
		rc.Scanners = make(map[string]config.ScannerSettings)
	}
	on := true
	for name := range keep {
		settings := rc.Scanners[name]
		settings.Enabled = &on
		rc.Scanners[name] = settings
	}
}
