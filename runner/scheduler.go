package runner

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"golang.org/x/sync/errgroup"

	"github.com/treadle-ci/treadle/action"
	"github.com/treadle-ci/treadle/db"
	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/log"
	"github.com/treadle-ci/treadle/notifier"
	"github.com/treadle-ci/treadle/secrets"
	"github.com/treadle-ci/treadle/workflow"
)

// Scheduler dispatches one matched event against one workflow
// definition: it gates on the trigger match, fans the independent jobs
// out concurrently, and aggregates their results. Jobs share nothing
// mutable; each gets its own workspace, environment copy and log file.
type Scheduler struct {
	eng     engine.Engine
	actions *action.Registry
	jobs    *JobRunner
	db      *db.DB
	n       *notifier.Notifier
	sm      secrets.Manager
	l       *slog.Logger
	logDir  string
}

type SchedulerOpt func(*Scheduler)

// WithSecrets injects repository secrets into job environments.
func WithSecrets(sm secrets.Manager) SchedulerOpt {
	return func(s *Scheduler) {
		s.sm = sm
	}
}

// WithLogDir sets the directory job log files are written to; when
// empty, job output is not persisted.
func WithLogDir(dir string) SchedulerOpt {
	return func(s *Scheduler) {
		s.logDir = dir
	}
}

func NewScheduler(ctx context.Context, eng engine.Engine, actions *action.Registry, d *db.DB, n *notifier.Notifier, opts ...SchedulerOpt) *Scheduler {
	s := &Scheduler{
		eng:     eng,
		actions: actions,
		jobs:    NewJobRunner(ctx, eng),
		db:      d,
		n:       n,
		l:       log.FromContext(ctx).With("component", "scheduler"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dispatch runs one event against one definition. The returned error
// covers status-store failures only; job failures are reported through
// the RunResult, never as errors, and never abort sibling jobs. The
// run row for runID must already exist.
func (s *Scheduler) Dispatch(ctx context.Context, runID string, ev workflow.Event, def *workflow.Definition) (*RunResult, error) {
	result := &RunResult{
		ID:       runID,
		Workflow: def.Path,
		Event:    ev,
		Status:   StatusPending,
	}

	if !def.Match(ev) {
		s.l.Info("event did not match, skipping run", "run", runID, "event", ev.String())
		result.Status = StatusSkipped
		return result, s.db.MarkRun(runID, db.RunSkipped, s.n)
	}

	secretEnv, err := s.secretEnv(ctx, ev)
	if err != nil {
		return nil, s.failDispatch(runID, err)
	}

	if err := s.db.MarkRun(runID, db.RunRunning, s.n); err != nil {
		return nil, err
	}
	result.Status = StatusRunning

	names := def.JobNames()
	for _, name := range names {
		if err := s.db.CreateJob(runID, name, s.n); err != nil {
			return nil, s.failDispatch(runID, err)
		}
	}

	s.l.Info("starting all jobs in parallel", "run", runID, "jobs", len(names))

	result.Jobs = make([]JobResult, len(names))
	g := errgroup.Group{}
	for i, name := range names {
		g.Go(func() error {
			result.Jobs[i] = s.runJob(ctx, runID, name, def, ev, secretEnv)
			return nil
		})
	}
	g.Wait()

	result.Status = aggregate(result.Jobs)

	var mark db.RunStatus
	switch result.Status {
	case StatusSuccess:
		s.l.Info("run success!", "run", runID)
		mark = db.RunSuccess
	case StatusCancelled:
		s.l.Warn("run cancelled", "run", runID)
		mark = db.RunCancelled
	default:
		s.l.Error("run failed!", "run", runID)
		mark = db.RunFailed
	}

	return result, s.db.MarkRun(runID, mark, s.n)
}

// failDispatch records a terminal status for a run the scheduler could
// not get off the ground, so it never sits in "running" forever.
func (s *Scheduler) failDispatch(runID string, err error) error {
	if merr := s.db.MarkRun(runID, db.RunFailed, s.n); merr != nil {
		s.l.Error("failed to mark run failed", "run", runID, "error", merr)
	}
	return err
}

func (s *Scheduler) runJob(ctx context.Context, runID, name string, def *workflow.Definition, ev workflow.Event, secretEnv map[string]string) JobResult {
	id := engine.JobID{RunID: runID, Job: name}

	ejob, err := s.buildJob(ctx, name, def, ev, secretEnv)
	if err != nil {
		// resolution failures count like launch failures: fatal to
		// this job, invisible to its siblings
		s.l.Error("job build failed", "job", id, "error", err)
		s.db.MarkJobFailed(runID, name, 0, err.Error(), s.n)
		return JobResult{Name: name, Status: StatusFailure, Error: err.Error()}
	}

	s.db.MarkJob(runID, name, db.JobRunning, s.n)

	var logger *engine.JobLogger
	if s.logDir != "" {
		logger, err = engine.NewJobLogger(s.logDir, id)
		if err != nil {
			s.l.Error("failed to create job logger", "job", id, "error", err)
		} else {
			defer logger.Close()
		}
	}

	jr := s.jobs.Run(ctx, id, ejob, logger)

	switch jr.Status {
	case StatusSuccess:
		s.db.MarkJob(runID, name, db.JobSuccess, s.n)
	case StatusCancelled:
		s.db.MarkJob(runID, name, db.JobCancelled, s.n)
	default:
		s.db.MarkJobFailed(runID, name, jr.lastExit(), jr.Error, s.n)
	}

	return jr
}

// buildJob resolves a declared job into engine steps: action
// references are expanded through the registry, run steps pass through
// as user steps. The job env layers the workflow env, the job's own
// env and the repository secrets; secrets never appear in logs.
func (s *Scheduler) buildJob(ctx context.Context, name string, def *workflow.Definition, ev workflow.Event, secretEnv map[string]string) (*engine.Job, error) {
	decl := def.Jobs[name]

	env := make(map[string]string)
	maps.Copy(env, def.Env)
	maps.Copy(env, decl.Env)
	maps.Copy(env, secretEnv)
	env["CI"] = "true"

	rc := action.RunContext{Branch: ev.Branch, Sha: ev.Sha}
	if ev.Repo != nil {
		rc.RepoURL = ev.Repo.CloneURL
	}

	var steps []engine.Step
	for _, decl := range decl.Steps {
		timeout, err := decl.TimeoutDuration()
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", decl.Label(), err)
		}

		if !decl.IsAction() {
			steps = append(steps, engine.Step{
				Name:    decl.Label(),
				Command: decl.Run,
				Env:     decl.Env,
				Kind:    engine.StepKindUser,
				Timeout: timeout,
			})
			continue
		}

		ref, err := workflow.ParseRef(decl.Uses)
		if err != nil {
			return nil, err
		}

		act, err := s.actions.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref, err)
		}

		expanded, err := act.Expand(rc, decl.With)
		if err != nil {
			return nil, fmt.Errorf("expanding %s: %w", ref, err)
		}

		for _, es := range expanded {
			if decl.Name != "" {
				es.Name = decl.Name
			}
			es.Timeout = timeout
			if len(decl.Env) > 0 {
				merged := make(map[string]string, len(es.Env)+len(decl.Env))
				maps.Copy(merged, es.Env)
				maps.Copy(merged, decl.Env)
				es.Env = merged
			}
			steps = append(steps, es)
		}
	}

	return &engine.Job{
		Name:  name,
		Steps: steps,
		Env:   env,
	}, nil
}

func (s *Scheduler) secretEnv(ctx context.Context, ev workflow.Event) (map[string]string, error) {
	if s.sm == nil || ev.Repo == nil {
		return nil, nil
	}

	unlocked, err := s.sm.GetSecretsUnlocked(ctx, secrets.Repo(ev.Repo.Name))
	if err != nil {
		return nil, fmt.Errorf("fetching secrets: %w", err)
	}

	env := make(map[string]string, len(unlocked))
	for _, sec := range unlocked {
		env[sec.Key] = sec.Value
	}
	return env, nil
}
