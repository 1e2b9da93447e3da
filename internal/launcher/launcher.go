// Package launcher runs external tool binaries as supervised child processes
// under a fixed file-based I/O contract: the tool is invoked as
//
//	<executable> --input <path> --output <path>
//
// and is expected to write a structured document to the output path and exit
// zero. Each launch happens inside a freshly created scratch directory that is
// removed on every exit path.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	inputFileName  = "input_data.json"
	outputFileName = "output_data.json"
)

// ExecutionType selects how the tool entrypoint is invoked.
const (
	ExecutionBinary = "binary"
	ExecutionPython = "python"
)

// Config holds launcher settings.
type Config struct {
	// WorkDir is the parent directory for per-launch scratch directories.
	// Empty means the OS temp directory.
	WorkDir string

	// DefaultTimeout applies when a launch spec carries no timeout.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps captured stdout and stderr, each.
	MaxOutputBytes int64

	// PythonBinary is the interpreter used for python execution types.
	PythonBinary string

	// AllowedEnvironment lists the only variables passed through to the
	// child. Nothing else from the parent environment is inherited.
	AllowedEnvironment []string
}

// DefaultConfig returns the launcher defaults.
func DefaultConfig() Config {
	return Config{
		WorkDir:        "",
		DefaultTimeout: 60 * time.Second,
		MaxOutputBytes: 1024 * 1024,
		PythonBinary:   "python3",
		AllowedEnvironment: []string{
			"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR",
			"SYSTEMROOT", "TEMP", "TMP",
		},
	}
}

// Launcher runs tool processes. Safe for concurrent use; every Launch gets
// its own scratch directory.
type Launcher struct {
	cfg Config
	log *zap.Logger
}

// New creates a Launcher.
func New(cfg Config, log *zap.Logger) *Launcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	if cfg.PythonBinary == "" {
		cfg.PythonBinary = DefaultConfig().PythonBinary
	}
	if len(cfg.AllowedEnvironment) == 0 {
		cfg.AllowedEnvironment = DefaultConfig().AllowedEnvironment
	}
	return &Launcher{cfg: cfg, log: log.Named("launcher")}
}

// Spec describes one tool launch.
type Spec struct {
	ToolID         string
	ExecutablePath string
	ExecutionType  string // ExecutionBinary or ExecutionPython
	Input          string // written verbatim to the input file
	Timeout        time.Duration
}

// Result captures one completed launch with exit status zero.
type Result struct {
	// Output is the tool's structured output text: the output file when it
	// exists and is non-empty, otherwise captured stdout.
	Output string

	// UsedStdoutFallback records that Output came from stdout because the
	// output file was missing or empty.
	UsedStdoutFallback bool

	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
}

// Launch runs one tool process to completion. The scratch directory is
// removed before Launch returns, on every path including cancellation.
//
// Error types: *TimeoutError, *ExitError, *NoOutputError, or the context's
// own error when the caller canceled.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = l.cfg.DefaultTimeout
	}

	scratch, err := l.makeScratchDir(spec.ToolID)
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			l.log.Warn("failed to remove scratch directory",
				zap.String("dir", scratch), zap.Error(rmErr))
		}
	}()

	inputPath := filepath.Join(scratch, inputFileName)
	outputPath := filepath.Join(scratch, outputFileName)
	if err := os.WriteFile(inputPath, []byte(spec.Input), 0o600); err != nil {
		return nil, fmt.Errorf("writing input file: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := l.buildCommand(spec, inputPath, outputPath)
	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.Dir = scratch
	cmd.Env = l.buildEnvironment()
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: l.cfg.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: l.cfg.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	l.log.Debug("launching tool process",
		zap.String("tool_id", spec.ToolID),
		zap.String("binary", name),
		zap.Duration("timeout", timeout))

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	result := &Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdoutLimited.truncated || stderrLimited.truncated,
		Duration:  duration,
	}

	if runErr != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			l.log.Warn("tool process killed on timeout",
				zap.String("tool_id", spec.ToolID), zap.Duration("timeout", timeout))
			return nil, &TimeoutError{Timeout: timeout}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				l.log.Debug("tool process exited non-zero",
					zap.String("tool_id", spec.ToolID),
					zap.Int("code", exitErr.ExitCode()))
				return nil, &ExitError{
					Code:   exitErr.ExitCode(),
					Stderr: strings.TrimSpace(result.Stderr),
				}
			}
			// Process never started (missing binary, permission denied).
			return nil, &ExitError{Code: -1, Stderr: runErr.Error()}
		}
	}

	if err := l.resolveOutput(result, outputPath); err != nil {
		return nil, err
	}

	l.log.Debug("tool process completed",
		zap.String("tool_id", spec.ToolID),
		zap.Duration("duration", duration),
		zap.Bool("stdout_fallback", result.UsedStdoutFallback))
	return result, nil
}

// resolveOutput applies the output precedence rule: the output file wins;
// a missing or empty file falls back to stdout, recorded as such.
func (l *Launcher) resolveOutput(result *Result, outputPath string) error {
	content, err := os.ReadFile(outputPath)
	if err == nil && len(bytes.TrimSpace(content)) > 0 {
		result.Output = string(content)
		return nil
	}
	if stdout := strings.TrimSpace(result.Stdout); stdout != "" {
		result.Output = stdout
		result.UsedStdoutFallback = true
		return nil
	}
	return &NoOutputError{}
}

// makeScratchDir creates the per-launch exclusive scratch directory.
func (l *Launcher) makeScratchDir(toolID string) (string, error) {
	parent := l.cfg.WorkDir
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return "", err
	}
	if toolID == "" {
		toolID = "tool"
	}
	dir := filepath.Join(parent, fmt.Sprintf("%s_%s", toolID, uuid.NewString()))
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// buildCommand assembles the invocation for the configured execution type.
func (l *Launcher) buildCommand(spec Spec, inputPath, outputPath string) (string, []string) {
	ioArgs := []string{"--input", inputPath, "--output", outputPath}
	if spec.ExecutionType == ExecutionPython {
		return l.cfg.PythonBinary, append([]string{spec.ExecutablePath}, ioArgs...)
	}
	return spec.ExecutablePath, ioArgs
}

// buildEnvironment passes through only the allow-listed variables. The child
// never sees the parent's full environment.
func (l *Launcher) buildEnvironment() []string {
	env := make([]string, 0, len(l.cfg.AllowedEnvironment))
	for _, key := range l.cfg.AllowedEnvironment {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	return env
}

// limitedWriter caps total bytes written, discarding the excess while
// reporting full writes to keep the copier happy.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
