package agent

import (
	"fmt"
	"time"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tools"
)

// State is the position of a turn in the two-phase protocol.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingEngine   State = "awaiting_engine"
	StateDispatchingTools State = "dispatching_tools"
	StateAwaitingFinal    State = "awaiting_final"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Turn is one user message and everything done to answer it. A turn
// returned by Loop.Run is complete and must not be modified.
type Turn struct {
	ID          string
	UserMessage string

	// Requests and Results are in the order the engine issued the
	// calls, across all rounds. Results[i] answers Requests[i].
	Requests []tools.Call
	Results  []tools.Result

	Answer string

	// Rounds is the number of dispatch rounds performed.
	Rounds int

	// Unsupported is set when the engine asked for tools after the
	// round budget was spent. Those calls were not dispatched.
	Unsupported bool

	// Warnings are user-facing notes about failed or refused calls.
	Warnings []string

	State    State
	Started  time.Time
	Duration time.Duration
}

// Failures returns the results of calls that did not succeed.
func (t *Turn) Failures() []tools.Result {
	var out []tools.Result
	for _, r := range t.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// EngineError is a failure talking to the reasoning engine. It ends
// the turn; nothing below the engine produces one.
type EngineError struct {
	// Phase is "initial" for the first submission and "resubmit" for
	// submissions carrying tool results.
	Phase string
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s request: %v", e.Phase, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }
