// Package action resolves the `uses: name@version` references of a
// workflow into runnable steps. Resolution goes through a registry of
// named actions so the runner never switches on action names directly.
package action

import (
	"context"
	"errors"

	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/workflow"
)

var ErrUnknownAction = errors.New("unknown action")

// RunContext carries the event-derived data an action may need when
// expanding into steps (where to fetch the repository from, what to
// check out).
type RunContext struct {
	RepoURL string
	Branch  string
	Sha     string
}

// Action is one versioned executable unit. Expand turns it into the
// system steps that realize it for a particular run.
type Action interface {
	Expand(rc RunContext, in workflow.Inputs) ([]engine.Step, error)
}

// Resolver locates an action by reference. Implementations may consult
// remote stores; resolution happens at dispatch time, per job.
type Resolver interface {
	Resolve(ctx context.Context, ref workflow.Ref) (Action, error)
}
