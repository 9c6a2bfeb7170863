// Package docker implements the engine on containers: every step runs
// in a fresh container sharing a per-job workspace volume and network.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/log"
)

const (
	workspaceDir   = "/treadle/workspace"
	defaultImage   = "docker.io/library/ubuntu:latest"
	defaultTimeout = 5 * time.Minute
)

type cleanupFunc func(context.Context) error

type Engine struct {
	docker  client.APIClient
	l       *slog.Logger
	image   string
	timeout time.Duration

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

type Opts struct {
	// Image is the container image steps run in.
	Image string
	// StepTimeout bounds steps that declare no timeout of their own.
	StepTimeout time.Duration
}

func New(ctx context.Context, opts Opts) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	if opts.Image == "" {
		opts.Image = defaultImage
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = defaultTimeout
	}

	return &Engine{
		docker:  dcli,
		l:       log.FromContext(ctx).With("component", "engine/docker"),
		image:   opts.Image,
		timeout: opts.StepTimeout,
		cleanup: make(map[string][]cleanupFunc),
	}, nil
}

var _ engine.Engine = (*Engine)(nil)

// Setup creates the job's workspace volume and network and pulls the
// step image. Both are destroyed by Destroy at the end of the job.
func (e *Engine) Setup(ctx context.Context, id engine.JobID, job *engine.Job) error {
	e.l.Info("setting up job", "job", id)

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(id),
		Driver: "local",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(id, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, workspaceVolume(id), true)
	})

	_, err = e.docker.NetworkCreate(ctx, networkName(id), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(id, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(id))
	})

	reader, err := e.docker.ImagePull(ctx, e.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()
	io.Copy(os.Stdout, reader)

	return nil
}

func (e *Engine) RunStep(ctx context.Context, id engine.JobID, job *engine.Job, idx int, logger *engine.JobLogger) (engine.StepResult, error) {
	step := job.Steps[idx]

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	envs := engine.EnvVars{}
	envs.AddEnv("HOME", workspaceDir)
	envs = append(envs, engine.ConstructEnvs(job.Env)...)
	envs = append(envs, engine.ConstructEnvs(step.Env)...)

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      e.image,
		Cmd:        []string{"sh", "-c", step.Command},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "treadle",
		Env:        envs.Slice(),
	}, hostConfig(id), nil, nil, "")
	if err != nil {
		return engine.StepResult{}, &engine.ExecError{Step: step.Name, Err: err}
	}
	defer e.destroyContainer(context.WithoutCancel(ctx), resp.ID)

	if err := e.docker.NetworkConnect(ctx, networkName(id), resp.ID, nil); err != nil {
		return engine.StepResult{}, &engine.ExecError{Step: step.Name, Err: err}
	}

	start := time.Now()
	if err := e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return engine.StepResult{}, &engine.ExecError{Step: step.Name, Err: err}
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name)

	var buf bytes.Buffer
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(sctx, logger, resp.ID, idx, &buf)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error
	go func() {
		defer close(waitDone)
		state, waitErr = e.waitStep(sctx, resp.ID)
	}()

	select {
	case <-waitDone:
		<-tailDone

	case <-sctx.Done():
		e.l.Warn("killing container", "container", resp.ID, "step", step.Name)
		if err := e.destroyContainer(context.WithoutCancel(ctx), resp.ID); err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}
		<-waitDone
		<-tailDone

		res := engine.StepResult{Output: buf.String(), Duration: time.Since(start)}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, engine.ErrTimedOut
	}

	res := engine.StepResult{Output: buf.String(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if waitErr != nil {
		return res, &engine.ExecError{Step: step.Name, Err: waitErr}
	}

	res.ExitCode = state.ExitCode
	return res, nil
}

func (e *Engine) waitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, logger *engine.JobLogger, containerID string, idx int, buf *bytes.Buffer) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	stdout := io.Writer(buf)
	stderr := io.Writer(buf)
	if logger != nil {
		stdout = io.MultiWriter(buf, logger.Stdout(idx))
		stderr = io.MultiWriter(buf, logger.Stderr(idx))
	}

	_, err = stdcopy.StdCopy(stdout, stderr, logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}
	return nil
}

func (e *Engine) destroyContainer(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) Destroy(ctx context.Context, id engine.JobID) error {
	e.cleanupMu.Lock()
	key := id.String()
	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup job resource", "job", id, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(id engine.JobID, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := id.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func workspaceVolume(id engine.JobID) string {
	return fmt.Sprintf("workspace-%s", id)
}

func networkName(id engine.JobID) string {
	return fmt.Sprintf("job-network-%s", id)
}

func hostConfig(id engine.JobID) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(id),
				Target: workspaceDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
				},
			},
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CAP_DAC_OVERRIDE"},
		SecurityOpt: []string{"no-new-privileges"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
