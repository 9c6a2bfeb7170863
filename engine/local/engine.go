// Package local implements the engine on the host: every step runs as
// a shell child process inside a per-job workspace directory.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/log"
)

const defaultTimeout = 5 * time.Minute

type Engine struct {
	dir     string
	shell   string
	timeout time.Duration
	l       *slog.Logger

	mu         sync.Mutex
	workspaces map[string]string
}

type Opts struct {
	// Dir is the root under which per-job workspaces are created.
	// Defaults to the system temp directory.
	Dir string
	// Shell interprets step commands, `sh` when empty.
	Shell string
	// StepTimeout bounds steps that declare no timeout of their own.
	StepTimeout time.Duration
}

func New(ctx context.Context, opts Opts) (*Engine, error) {
	if opts.Dir == "" {
		opts.Dir = filepath.Join(os.TempDir(), "treadle")
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = defaultTimeout
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return &Engine{
		dir:        opts.Dir,
		shell:      opts.Shell,
		timeout:    opts.StepTimeout,
		l:          log.FromContext(ctx).With("component", "engine/local"),
		workspaces: make(map[string]string),
	}, nil
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) Setup(ctx context.Context, id engine.JobID, job *engine.Job) error {
	dir, err := os.MkdirTemp(e.dir, id.String()+"-")
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	e.mu.Lock()
	e.workspaces[id.String()] = dir
	e.mu.Unlock()

	e.l.Info("set up workspace", "job", id, "dir", dir)
	return nil
}

func (e *Engine) Destroy(ctx context.Context, id engine.JobID) error {
	e.mu.Lock()
	dir, ok := e.workspaces[id.String()]
	delete(e.workspaces, id.String())
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return os.RemoveAll(dir)
}

func (e *Engine) workspace(id engine.JobID) (string, error) {
	e.mu.Lock()
	dir, ok := e.workspaces[id.String()]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no workspace for job %s", id)
	}
	return dir, nil
}

// RunStep launches one step and blocks until it exits, the step times
// out, or ctx is cancelled. A non-zero exit is reported in the
// StepResult; only launch failures, timeouts and cancellation return
// an error.
func (e *Engine) RunStep(ctx context.Context, id engine.JobID, job *engine.Job, idx int, logger *engine.JobLogger) (engine.StepResult, error) {
	step := job.Steps[idx]

	dir, err := e.workspace(id)
	if err != nil {
		return engine.StepResult{}, &engine.ExecError{Step: step.Name, Err: err}
	}

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	envs := engine.EnvVars{}
	envs.AddEnv("PATH", os.Getenv("PATH"))
	envs.AddEnv("HOME", dir)
	envs = append(envs, engine.ConstructEnvs(job.Env)...)
	envs = append(envs, engine.ConstructEnvs(step.Env)...)

	cmd := exec.CommandContext(sctx, e.shell, "-c", step.Command)
	cmd.Dir = dir
	cmd.Env = envs.Slice()

	// os/exec copies the stdout and stderr pipes from separate
	// goroutines when the two writers differ, so the shared buffer
	// has to be locked
	var buf bytes.Buffer
	out := &syncWriter{w: &buf}
	cmd.Stdout = out
	cmd.Stderr = out
	if logger != nil {
		cmd.Stdout = io.MultiWriter(out, logger.Stdout(idx))
		cmd.Stderr = io.MultiWriter(out, logger.Stderr(idx))
	}

	e.l.Info("running step", "job", id, "step", step.Name)

	start := time.Now()
	runErr := cmd.Run()
	res := engine.StepResult{
		Output:   buf.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return res, nil
	}

	// the parent context takes precedence: a step killed because the
	// job was cancelled is cancellation, not a timeout
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if sctx.Err() != nil {
		e.l.Warn("step timed out", "job", id, "step", step.Name, "timeout", timeout)
		return res, engine.ErrTimedOut
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	return res, &engine.ExecError{Step: step.Name, Err: runErr}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
