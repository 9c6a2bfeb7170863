// Package engine defines the execution boundary of the runner: an
// Engine runs one step of a job at a time in an isolated workspace and
// reports its exit status. Implementations live in subpackages.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Engine executes the steps of one job. Setup prepares the job's
// isolated workspace, RunStep executes a single step in it, Destroy
// tears the workspace down. Jobs never share workspaces, so engines may
// be used by concurrently running jobs.
type Engine interface {
	Setup(ctx context.Context, id JobID, job *Job) error
	RunStep(ctx context.Context, id JobID, job *Job, idx int, logger *JobLogger) (StepResult, error)
	Destroy(ctx context.Context, id JobID) error
}

// StepResult is the outcome of one launched step. A non-zero ExitCode
// is a normal result, not an error: RunStep returns an error only when
// the step could not be launched, timed out, or was cancelled.
type StepResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

type StepKind int

const (
	// steps injected by the runner (checkout, toolchain setup)
	StepKindSystem StepKind = iota
	// steps declared by the user in the workflow file
	StepKindUser
)

// Step is a fully resolved unit of work: action references have already
// been expanded into commands by the action registry.
type Step struct {
	Name    string
	Command string
	Env     map[string]string
	Kind    StepKind
	Timeout time.Duration
}

// Job carries everything an engine needs to run one job: resolved
// steps and the job-level environment, secrets already folded in.
// Data holds engine-specific state attached during Setup.
type Job struct {
	Name  string
	Steps []Step
	Env   map[string]string
	Data  any
}

type JobID struct {
	RunID string
	Job   string
}

var idRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func (id JobID) String() string {
	return fmt.Sprintf("%s-%s", normalize(id.RunID), normalize(id.Job))
}

func normalize(name string) string {
	return idRe.ReplaceAllString(name, "-")
}
