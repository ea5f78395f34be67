// Package sandbox runs verification commands against a throwaway copy of a
// project under a hard wall-clock timeout.
//
// A run never fails the caller: timeouts, missing binaries and crashes all
// come back as a Result with Success == false and the reason in Output.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/project"
)

// Common errors reported through Result.Err.
var (
	ErrTimeout      = errors.New("sandbox run timed out")
	ErrEmptyCommand = errors.New("sandbox command is empty")
	ErrNotFound     = errors.New("sandbox binary not found")
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 256 * 1024
)

// Command is a process to run inside the workspace. Dir is relative to the
// workspace root.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// String renders the command line for logs and reports.
func (c Command) String() string {
	s := c.Name
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Result is the outcome of one run.
type Result struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`

	// Err is set when the command could not run to completion.
	Err error `json:"-"`
}

// Executor runs a command against a project snapshot.
type Executor interface {
	Execute(ctx context.Context, target *project.Snapshot, cmd Command) Result
}

// Options configure a ProcessSandbox.
type Options struct {
	// Timeout bounds each run. Zero selects 30s.
	Timeout time.Duration

	// MaxOutput caps captured bytes per stream. Zero selects 256KiB.
	MaxOutput int

	// TempDir is the parent of per-run workspaces. Empty uses os.TempDir.
	TempDir string

	Logger *zap.Logger
}

// ProcessSandbox executes commands as child processes in a fresh temporary
// directory populated from the target snapshot.
type ProcessSandbox struct {
	opts   Options
	logger *zap.Logger
}

// NewProcessSandbox creates a ProcessSandbox.
func NewProcessSandbox(opts Options) *ProcessSandbox {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessSandbox{opts: opts, logger: logger}
}

// Execute implements Executor.
func (s *ProcessSandbox) Execute(ctx context.Context, target *project.Snapshot, cmd Command) Result {
	start := time.Now()
	res := s.execute(ctx, target, cmd)
	res.Duration = time.Since(start)

	s.logger.Debug("sandbox run completed",
		zap.String("command", cmd.String()),
		zap.Bool("success", res.Success),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (s *ProcessSandbox) execute(ctx context.Context, target *project.Snapshot, cmd Command) Result {
	if cmd.Name == "" {
		return failed(ErrEmptyCommand)
	}
	if err := ctx.Err(); err != nil {
		return failed(err)
	}
	bin, err := exec.LookPath(cmd.Name)
	if err != nil {
		return failed(fmt.Errorf("%w: %s", ErrNotFound, cmd.Name))
	}

	dir, err := os.MkdirTemp(s.opts.TempDir, "evolvd-sandbox-*")
	if err != nil {
		return failed(fmt.Errorf("creating workspace: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove sandbox workspace", zap.String("dir", dir), zap.Error(err))
		}
	}()
	if target != nil {
		if err := target.Materialize(dir); err != nil {
			return failed(fmt.Errorf("populating workspace: %w", err))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, bin, cmd.Args...)
	c.Dir = filepath.Join(dir, filepath.FromSlash(cmd.Dir))
	c.Env = append(os.Environ(), "PYTHONDONTWRITEBYTECODE=1")
	// Killing the process alone can leave Wait blocked on pipes held by
	// grandchildren.
	c.WaitDelay = time.Second

	var out bytes.Buffer
	lw := &limitedWriter{w: &out, limit: s.opts.MaxOutput}
	c.Stdout = lw
	c.Stderr = lw

	runErr := c.Run()
	res := Result{Output: out.String(), Truncated: lw.truncated}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
		res.Err = fmt.Errorf("%w after %s", ErrTimeout, s.opts.Timeout)
		res.Output += fmt.Sprintf("\n%s: %v", cmd.Name, res.Err)
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Err = ctx.Err()
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = fmt.Errorf("running %s: %w", cmd.Name, runErr)
			res.Output += "\n" + res.Err.Error()
		}
	default:
		res.Success = true
	}
	return res
}

func failed(err error) Result {
	return Result{ExitCode: -1, Output: err.Error(), Err: err}
}

// limitedWriter drops bytes past limit. Writes are serialized because
// stdout and stderr share it.
type limitedWriter struct {
	mu        sync.Mutex
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(p)
	if l.written >= l.limit {
		l.truncated = true
		return n, nil
	}
	if remaining := l.limit - l.written; len(p) > remaining {
		p = p[:remaining]
		l.truncated = true
	}
	written, err := l.w.Write(p)
	l.written += written
	if err != nil {
		return written, err
	}
	return n, nil
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, target *project.Snapshot, cmd Command) Result

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, target *project.Snapshot, cmd Command) Result {
	return f(ctx, target, cmd)
}
