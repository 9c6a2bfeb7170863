package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut marks a step that exceeded its maximum duration.
	ErrTimedOut = errors.New("step timed out")
)

// ExecError wraps a failure to launch a step's program (missing binary,
// permission denied). Distinct from a launched program exiting non-zero,
// which is a StepResult, not an error.
type ExecError struct {
	Step string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("executing step %q: %v", e.Step, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
