package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrIterationLimit is informational: the run hit its iteration cap
	// and ended with a forced-final answer. Runs report it through
	// Result.Forced rather than as an error.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrToolExecution wraps failed tool calls recorded in ToolHistory.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrNilState is returned when Run is given no state.
	ErrNilState = errors.New("nil conversation state")
)

// Stages name where a run stopped.
const (
	StageModel = "model"
	StageTool  = "tool"
)

// ModelCallFailedError reports a fatal model client failure. State
// holds everything accumulated before the failure, usage included.
type ModelCallFailedError struct {
	Stage     string
	Iteration int
	Model     string
	Err       error
	State     *State
}

func (e *ModelCallFailedError) Error() string {
	return fmt.Sprintf("model call failed at iteration %d (%s): %v", e.Iteration, e.Model, e.Err)
}

func (e *ModelCallFailedError) Unwrap() error { return e.Err }

// CanceledError reports a run stopped by its context. Stage is where
// the cancellation was observed.
type CanceledError struct {
	Stage     string
	Iteration int
	Err       error
	State     *State
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("run canceled during %s stage at iteration %d: %v", e.Stage, e.Iteration, e.Err)
}

func (e *CanceledError) Unwrap() error { return e.Err }
