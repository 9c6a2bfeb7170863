package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/treadle-ci/treadle/engine"
)

// stepOutcome scripts what the fake engine does for one step.
type stepOutcome struct {
	exitCode int
	output   string
	err      error

	// cancelRun cancels the job's context while this step "runs",
	// simulating a superseding event arriving mid-step.
	cancelRun bool
}

type fakeEngine struct {
	mu       sync.Mutex
	outcomes map[string][]stepOutcome

	setupErr  error
	ran       []string
	destroyed []string
	cancel    context.CancelFunc
}

var _ engine.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Setup(ctx context.Context, id engine.JobID, job *engine.Job) error {
	return f.setupErr
}

func (f *fakeEngine) RunStep(ctx context.Context, id engine.JobID, job *engine.Job, idx int, logger *engine.JobLogger) (engine.StepResult, error) {
	step := job.Steps[idx]

	f.mu.Lock()
	f.ran = append(f.ran, fmt.Sprintf("%s/%s", job.Name, step.Name))
	outcome := stepOutcome{}
	if len(f.outcomes[job.Name]) > idx {
		outcome = f.outcomes[job.Name][idx]
	}
	f.mu.Unlock()

	if outcome.cancelRun {
		f.cancel()
		return engine.StepResult{}, ctx.Err()
	}

	res := engine.StepResult{
		ExitCode: outcome.exitCode,
		Output:   outcome.output,
		Duration: time.Millisecond,
	}
	return res, outcome.err
}

func (f *fakeEngine) Destroy(ctx context.Context, id engine.JobID) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, id.String())
	f.mu.Unlock()
	return nil
}

func threeStepJob() *engine.Job {
	return &engine.Job{
		Name: "build",
		Steps: []engine.Step{
			{Name: "checkout", Command: "git init"},
			{Name: "build", Command: "cargo build"},
			{Name: "test", Command: "cargo test"},
		},
	}
}

func TestJobRunnerAllStepsSucceed(t *testing.T) {
	eng := &fakeEngine{}
	r := NewJobRunner(context.Background(), eng)
	job := threeStepJob()

	res := r.Run(context.Background(), engine.JobID{RunID: "r", Job: "build"}, job, nil)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Len(t, res.Steps, 3)
	assert.Empty(t, res.NotRun)
	for _, s := range res.Steps {
		assert.Equal(t, StatusSuccess, s.Status)
	}
	assert.Equal(t, []string{"r-build"}, eng.destroyed, "workspace must be torn down")
}

func TestJobRunnerShortCircuitsOnFailure(t *testing.T) {
	eng := &fakeEngine{
		outcomes: map[string][]stepOutcome{
			"build": {{}, {exitCode: 101, output: "error[E0308]"}},
		},
	}
	r := NewJobRunner(context.Background(), eng)
	job := threeStepJob()

	res := r.Run(context.Background(), engine.JobID{RunID: "r", Job: "build"}, job, nil)

	assert.Equal(t, StatusFailure, res.Status)
	assert.Len(t, res.Steps, 2, "the failing step is the last recorded one")
	assert.Equal(t, StatusSuccess, res.Steps[0].Status)
	assert.Equal(t, StatusFailure, res.Steps[1].Status)
	assert.Equal(t, 101, res.Steps[1].ExitCode)
	assert.Empty(t, res.Steps[1].Error, "a plain non-zero exit carries no error message")
	assert.Equal(t, []string{"test"}, res.NotRun)
	assert.Equal(t, []string{"build/checkout", "build/build"}, eng.ran, "later steps must not start")
}

func TestJobRunnerExecErrorFailsJob(t *testing.T) {
	launchErr := &engine.ExecError{Step: "build", Err: errors.New("no such file or directory")}
	eng := &fakeEngine{
		outcomes: map[string][]stepOutcome{
			"build": {{}, {err: launchErr}},
		},
	}
	r := NewJobRunner(context.Background(), eng)
	job := threeStepJob()

	res := r.Run(context.Background(), engine.JobID{RunID: "r", Job: "build"}, job, nil)

	assert.Equal(t, StatusFailure, res.Status)
	assert.Len(t, res.Steps, 2)
	assert.Equal(t, StatusFailure, res.Steps[1].Status)
	assert.Contains(t, res.Steps[1].Error, "no such file")
	assert.Equal(t, []string{"test"}, res.NotRun)
}

func TestJobRunnerTimeoutFailsJob(t *testing.T) {
	eng := &fakeEngine{
		outcomes: map[string][]stepOutcome{
			"build": {{err: engine.ErrTimedOut}},
		},
	}
	r := NewJobRunner(context.Background(), eng)
	job := threeStepJob()

	res := r.Run(context.Background(), engine.JobID{RunID: "r", Job: "build"}, job, nil)

	assert.Equal(t, StatusFailure, res.Status, "a timed out step fails the job like any step failure")
	assert.Len(t, res.Steps, 1)
	assert.Equal(t, StatusFailure, res.Steps[0].Status)
	assert.Contains(t, res.Steps[0].Error, "timed out")
	assert.Equal(t, []string{"build", "test"}, res.NotRun)
}

func TestJobRunnerCancellationMidStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng := &fakeEngine{
		outcomes: map[string][]stepOutcome{
			"build": {{}, {cancelRun: true}},
		},
		cancel: cancel,
	}
	r := NewJobRunner(context.Background(), eng)
	job := threeStepJob()

	res := r.Run(ctx, engine.JobID{RunID: "r", Job: "build"}, job, nil)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Len(t, res.Steps, 2)
	assert.Equal(t, StatusSuccess, res.Steps[0].Status, "completed steps keep their results")
	assert.Equal(t, StatusCancelled, res.Steps[1].Status)
	assert.Equal(t, []string{"test"}, res.NotRun)
	assert.NotEmpty(t, eng.destroyed, "teardown runs even for cancelled jobs")
}

func TestJobRunnerCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := &fakeEngine{}
	r := NewJobRunner(context.Background(), eng)
	job := threeStepJob()

	res := r.Run(ctx, engine.JobID{RunID: "r", Job: "build"}, job, nil)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, res.Steps, "no step ran, no step results")
	assert.Equal(t, []string{"checkout", "build", "test"}, res.NotRun)
	assert.Empty(t, eng.ran)
}

func TestJobRunnerSetupFailure(t *testing.T) {
	eng := &fakeEngine{setupErr: errors.New("disk full")}
	r := NewJobRunner(context.Background(), eng)
	job := threeStepJob()

	res := r.Run(context.Background(), engine.JobID{RunID: "r", Job: "build"}, job, nil)

	assert.Equal(t, StatusFailure, res.Status)
	assert.Contains(t, res.Error, "disk full")
	assert.Empty(t, res.Steps)
	assert.Equal(t, []string{"checkout", "build", "test"}, res.NotRun)
	assert.Empty(t, eng.destroyed, "nothing to tear down when setup failed")
}
