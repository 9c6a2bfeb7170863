package runner

import (
	"time"

	"github.com/google/uuid"

	"github.com/treadle-ci/treadle/workflow"
)

type Status string

var (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSkipped   Status = "skipped"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// StepResult is the recorded outcome of one executed step. Steps that
// never started are listed in JobResult.NotRun instead.
type StepResult struct {
	Name     string
	Status   Status
	ExitCode int
	Output   string
	Duration time.Duration

	// Error holds the launch failure or timeout reason; empty for a
	// plain non-zero exit.
	Error string
}

type JobResult struct {
	Name   string
	Status Status
	Steps  []StepResult

	// NotRun names the steps skipped after a failure or cancellation,
	// in declared order.
	NotRun []string

	// Error is set when the job failed before or between steps
	// (workspace setup, action resolution).
	Error string
}

func (j *JobResult) Failed() bool {
	return j.Status == StatusFailure
}

// lastExit returns the exit code of the last recorded step, for
// surfacing in status stores.
func (j *JobResult) lastExit() int {
	if len(j.Steps) == 0 {
		return 0
	}
	return j.Steps[len(j.Steps)-1].ExitCode
}

type RunResult struct {
	ID       string
	Workflow string
	Event    workflow.Event
	Status   Status
	Jobs     []JobResult
}

// ExitCode maps the run outcome onto a process exit code: skipped runs
// are a normal outcome, not an error.
func (r *RunResult) ExitCode() int {
	switch r.Status {
	case StatusSuccess, StatusSkipped:
		return 0
	default:
		return 1
	}
}

// aggregate derives the run status from its jobs: any failure wins,
// then cancellation, else success.
func aggregate(jobs []JobResult) Status {
	status := StatusSuccess
	for _, j := range jobs {
		switch j.Status {
		case StatusFailure:
			return StatusFailure
		case StatusCancelled:
			status = StatusCancelled
		}
	}
	return status
}

// NewRunID returns a time-ordered run identifier; lexical order is
// creation order, which the status store's cursor paging relies on.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}
