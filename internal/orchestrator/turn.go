package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the conversational state of a turn.
type State string

const (
	StateIdle                  State = "idle"
	StateInitializing          State = "initializing"
	StateAwaitingAPIResponse   State = "awaiting_api_response"
	StateExecutingFunctionCall State = "executing_function_call"
	StateDone                  State = "done"
	StateError                 State = "error"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeRunning   Outcome = ""
	OutcomeDone      Outcome = "done"
	OutcomePending   Outcome = "pending"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Turn is one user-initiated request and the chain of backend calls it
// drives. Each turn owns its cancellation flag, so a late response of an
// old turn never observes the state of a newer one.
type Turn struct {
	requestID string
	cancelled atomic.Bool
	done      chan struct{}

	mu      sync.Mutex
	state   State
	ended   bool
	outcome Outcome
	err     error
}

func newTurn(requestID string) *Turn {
	return &Turn{requestID: requestID, state: StateIdle, done: make(chan struct{})}
}

// RequestID returns the correlation token of the turn.
func (t *Turn) RequestID() string { return t.requestID }

// Done is closed once the goroutine driving the turn has routed its last
// response. A cancelled turn ends before Done is closed.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Cancelled reports whether cancellation was requested for the turn.
func (t *Turn) Cancelled() bool { return t.cancelled.Load() }

// State returns the current state of the turn.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ended reports whether the turn has reached a terminal status.
func (t *Turn) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Outcome returns how the turn ended, or OutcomeRunning.
func (t *Turn) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Err returns the error that ended the turn. It is nil for turns that
// completed, are pending user interaction, or were cancelled.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the turn's goroutine has finished or ctx is done.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Turn) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ended {
		t.state = s
	}
}

// finish records the terminal outcome. It reports false if the turn had
// already ended.
func (t *Turn) finish(outcome Outcome, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return false
	}
	t.ended = true
	t.outcome = outcome
	t.err = err
	if err != nil {
		t.state = StateError
	} else {
		t.state = StateDone
	}
	return true
}
