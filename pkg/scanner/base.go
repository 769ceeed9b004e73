package scanner

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
)

// TailSize is the number of trailing output bytes kept on a ScanResult.
const TailSize = 4096

// waitDelay bounds how long Run waits for output pipes held open by
// grandchildren after the tool itself has been killed.
const waitDelay = 2 * time.Second

// Execution is the captured outcome of one tool process
type Execution struct {
	Command   string
	Args      []string
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	StartTime time.Time
	EndTime   time.Time
}

// Base implements the subprocess and configuration mechanics shared by
// command-line scanners. Concrete plugins embed it and supply Scan.
type Base struct {
	mu          sync.RWMutex
	cfg         Config
	toolVersion string
	logger      *logging.Logger
}

// NewBase creates a Base seeded with defaults
func NewBase(defaults Config) *Base {
	return &Base{cfg: Merge(Config{}, defaults)}
}

// Name returns the scanner name
func (b *Base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Name
}

// Type returns the scanner type
func (b *Base) Type() finding.ScannerType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Type
}

// Config returns a copy of the current configuration
func (b *Base) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Merge(Config{}, b.cfg)
}

// ToolVersion returns the version captured by Validate, if any
func (b *Base) ToolVersion() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.toolVersion
}

// SetLogger overrides the global logger
func (b *Base) SetLogger(logger *logging.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Logger returns the plugin logger, falling back to the global one
func (b *Base) Logger() *logging.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.logger != nil {
		return b.logger
	}
	return logging.GetLogger()
}

// Configure merges cfg into the current state. Applying the same cfg twice
// leaves the state unchanged.
func (b *Base) Configure(cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := Merge(b.cfg, cfg)
	if strings.TrimSpace(merged.Command) == "" {
		return errors.NewConfigError(fmt.Sprintf("scanner %s has no command configured", merged.Name))
	}
	if merged.Type != "" && !merged.Type.Valid() {
		return errors.NewConfigError(fmt.Sprintf("scanner %s has invalid type %q", merged.Name, merged.Type))
	}
	b.cfg = merged
	return nil
}

// Validate resolves the command on PATH and, when version arguments are
// configured, records the tool version.
func (b *Base) Validate(ctx context.Context) (bool, error) {
	cfg := b.Config()
	if cfg.Command == "" {
		return false, errors.NewConfigError(fmt.Sprintf("scanner %s has no command configured", cfg.Name))
	}

	if _, err := exec.LookPath(cfg.Command); err != nil {
		b.Logger().Debug("Scanner command not found", "scanner", cfg.Name, "command", cfg.Command, "error", err.Error())
		return false, nil
	}

	if len(cfg.VersionArgs) == 0 {
		return true, nil
	}

	run, err := b.Run(ctx, cfg.VersionArgs...)
	if err != nil {
		return false, err
	}
	if run.ExitCode != 0 {
		b.Logger().Warn("Scanner version probe failed", "scanner", cfg.Name, "exit_code", run.ExitCode)
		return true, nil
	}

	version := strings.TrimSpace(firstLine(string(run.Stdout)))
	b.mu.Lock()
	b.toolVersion = version
	b.mu.Unlock()

	return true, nil
}

// Run executes the configured command with args and waits for it to exit.
// A non-zero exit status is reported through ExitCode, not as an error. A
// failure to launch, or a run cut short by ctx, is returned as a ScanError.
func (b *Base) Run(ctx context.Context, args ...string) (*Execution, error) {
	cfg := b.Config()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	run := &Execution{Command: cfg.Command, Args: args, StartTime: time.Now().UTC()}
	err := cmd.Run()
	run.EndTime = time.Now().UTC()
	run.Stdout = stdout.Bytes()
	run.Stderr = stderr.Bytes()

	if err != nil {
		var exitErr *exec.ExitError
		isExit := stderrors.As(err, &exitErr)
		if isExit {
			run.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil && cmd.Process != nil {
			return run, errors.NewScanError(cfg.Name, fmt.Sprintf("%s did not finish", cfg.Command), Tail(run.Stderr)).WithCause(ctxErr)
		}
		if !isExit {
			return run, errors.NewScanError(cfg.Name, fmt.Sprintf("failed to launch %s", cfg.Command), Tail(run.Stderr)).WithCause(err)
		}
	}

	return run, nil
}

// RunJSON runs the tool and decodes findings from its stdout, either a JSON
// array or an object holding the array under key. A non-zero exit is
// accepted as long as the output parses.
func (b *Base) RunJSON(ctx context.Context, target, key string, args ...string) (*ScanResult, error) {
	run, err := b.Run(ctx, args...)
	if err != nil {
		return nil, err
	}

	res := b.NewResult(target, run)
	raw, err := DecodeFindings(run.Stdout, key)
	if err != nil {
		return res, errors.NewScanError(b.Name(), fmt.Sprintf("unparsable output (exit code %d)", run.ExitCode), res.StderrTail).WithCause(err)
	}
	if len(raw) == 0 && run.ExitCode != 0 && len(bytes.TrimSpace(run.Stdout)) == 0 {
		return res, errors.NewScanError(b.Name(), fmt.Sprintf("exited with code %d and no output", run.ExitCode), res.StderrTail)
	}
	res.Findings = raw

	return res, nil
}

// NewResult builds a ScanResult from a finished execution
func (b *Base) NewResult(target string, run *Execution) *ScanResult {
	cfg := b.Config()
	return &ScanResult{
		ScannerName:    cfg.Name,
		ScannerType:    cfg.Type,
		ScannerVersion: b.ToolVersion(),
		Target:         target,
		Findings:       []RawFinding{},
		StartTime:      run.StartTime,
		EndTime:        run.EndTime,
		ExitCode:       run.ExitCode,
		StdoutTail:     Tail(run.Stdout),
		StderrTail:     Tail(run.Stderr),
	}
}

// Options returns the configured options overlaid with per-scan opts.
func (b *Base) Options(opts map[string]any) map[string]any {
	return Merge(Config{Options: b.Config().Options}, Config{Options: opts}).Options
}

// Tail returns at most the last TailSize bytes of out, starting on a rune
// boundary
func Tail(out []byte) string {
	if len(out) > TailSize {
		out = out[len(out)-TailSize:]
		for i := 0; i < utf8.UTFMax-1 && len(out) > 0 && !utf8.RuneStart(out[0]); i++ {
			out = out[1:]
		}
	}
	return string(out)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
