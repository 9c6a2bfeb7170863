package runner

import (
	"context"
	"errors"
	"log/slog"

	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/log"
)

// JobRunner executes the steps of one job strictly in order: later
// steps may depend on filesystem and toolchain state left by earlier
// ones, so step N+1 never starts before step N completes. The first
// failing step short-circuits the job; cancellation is honored between
// steps and kills the step in flight.
type JobRunner struct {
	eng engine.Engine
	l   *slog.Logger
}

func NewJobRunner(ctx context.Context, eng engine.Engine) *JobRunner {
	return &JobRunner{
		eng: eng,
		l:   log.FromContext(ctx).With("component", "runner"),
	}
}

// Run never returns an error: every failure mode is folded into the
// JobResult so sibling jobs are unaffected.
func (r *JobRunner) Run(ctx context.Context, id engine.JobID, job *engine.Job, logger *engine.JobLogger) JobResult {
	result := JobResult{Name: job.Name, Status: StatusRunning}

	if err := r.eng.Setup(ctx, id, job); err != nil {
		r.l.Error("job setup failed", "job", id, "error", err)
		result.Status = StatusFailure
		result.Error = err.Error()
		result.markNotRun(job.Steps, 0)
		return result
	}
	defer func() {
		// teardown still runs when the job was cancelled
		if err := r.eng.Destroy(context.WithoutCancel(ctx), id); err != nil {
			r.l.Error("job teardown failed", "job", id, "error", err)
		}
	}()

	for idx, step := range job.Steps {
		if ctx.Err() != nil {
			r.l.Info("job cancelled", "job", id, "before_step", step.Name)
			result.Status = StatusCancelled
			result.markNotRun(job.Steps, idx)
			return result
		}

		if logger != nil {
			logger.Control(idx, step, "started")
		}

		res, err := r.eng.RunStep(ctx, id, job, idx, logger)
		sr := StepResult{
			Name:     step.Name,
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Duration: res.Duration,
		}

		switch {
		case err == nil && res.ExitCode == 0:
			sr.Status = StatusSuccess
			result.Steps = append(result.Steps, sr)
			if logger != nil {
				logger.Control(idx, step, string(StatusSuccess))
			}
			continue

		case err == nil:
			// launched and exited non-zero: a step failure
			sr.Status = StatusFailure
			result.Status = StatusFailure

		case errors.Is(err, context.Canceled), ctx.Err() != nil && errors.Is(err, ctx.Err()):
			sr.Status = StatusCancelled
			result.Status = StatusCancelled

		case errors.Is(err, engine.ErrTimedOut):
			// a timeout counts against the job like a launch failure
			sr.Status = StatusFailure
			sr.Error = err.Error()
			result.Status = StatusFailure

		default:
			sr.Status = StatusFailure
			sr.Error = err.Error()
			result.Status = StatusFailure
		}

		result.Steps = append(result.Steps, sr)
		result.markNotRun(job.Steps, idx+1)
		if logger != nil {
			logger.Control(idx, step, string(sr.Status))
		}
		r.l.Error("job stopped", "job", id, "step", step.Name, "status", sr.Status, "exit_code", sr.ExitCode, "error", sr.Error)
		return result
	}

	result.Status = StatusSuccess
	r.l.Info("job succeeded", "job", id)
	return result
}

func (j *JobResult) markNotRun(steps []engine.Step, from int) {
	for _, s := range steps[from:] {
		j.NotRun = append(j.NotRun, s.Name)
	}
}
