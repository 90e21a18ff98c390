// Package orchestrator drives a conversation turn through the backend's
// operation protocol: initialize, make API calls, execute function calls and
// continue until the backend reports a terminal status.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
	"github.com/capitalize-ai/turn-orchestrator/pkg/metrics"
)

// Caller issues process_ai_operation calls.
type Caller interface {
	Call(ctx context.Context, op model.OperationType, params model.Params) (*model.OperationResult, error)
}

// Config holds orchestrator configuration.
type Config struct {
	// Model is forwarded with make_api_call when set.
	Model string
}

// Orchestrator runs at most one turn at a time.
type Orchestrator struct {
	caller    Caller
	presenter Presenter
	model     string
	logger    *logger.Logger
	seq       atomic.Uint64

	mu     sync.Mutex
	active *Turn
	// userMessageIDs maps a request id to the user message that started it.
	userMessageIDs map[string]int
}

// New creates an orchestrator. presenter may be nil.
func New(caller Caller, presenter Presenter, cfg Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		caller:         caller,
		presenter:      presenter,
		model:          cfg.Model,
		logger:         logger.OrGlobal(log),
		userMessageIDs: make(map[string]int),
	}
}

// call is the next backend operation of a turn.
type call struct {
	op     model.OperationType
	state  State
	params model.Params
}

// StartTurn begins a new turn for query. It returns ErrTurnInProgress
// without contacting the backend when a turn is already active. The turn is
// driven on its own goroutine under ctx.
func (o *Orchestrator) StartTurn(ctx context.Context, query, requestID string) (*Turn, error) {
	t, err := o.claim(requestID)
	if err != nil {
		return nil, err
	}
	o.logger.WithTurn(requestID).Info("turn started")
	o.emit(ctx, t.requestID, &model.TurnEvent{Type: model.EventTurnStarted, Query: query})

	params := model.Params{"query": query}
	if requestID != "" {
		params["request_id"] = requestID
	}
	o.spawn(ctx, t, func() *call {
		return &call{op: model.OpInitializeConversation, state: StateInitializing, params: params}
	})
	return t, nil
}

// ContinueConversation resumes a conversation with a make_api_call using
// caller-supplied correlation ids. Both ids are required.
func (o *Orchestrator) ContinueConversation(ctx context.Context, c model.Correlation) (*Turn, error) {
	if c.ConversationIndex == nil {
		return nil, protocolErr("", "conversation_index is required to continue a conversation")
	}
	if c.RelatedToID == nil {
		return nil, protocolErr("", "related_to_id is required to continue a conversation")
	}

	t, err := o.claim(c.RequestID)
	if err != nil {
		return nil, err
	}
	o.logger.WithTurn(c.RequestID).Info("conversation continued",
		zap.Int("related_to_id", *c.RelatedToID),
		zap.Int("conversation_index", *c.ConversationIndex),
	)
	o.emit(ctx, t.requestID, &model.TurnEvent{
		Type:              model.EventTurnStarted,
		ConversationIndex: c.ConversationIndex,
		RelatedToID:       c.RelatedToID,
	})
	o.spawn(ctx, t, func() *call {
		return o.apiCall(ctx, t, c.RelatedToID, c.ConversationIndex, c.RequestID)
	})
	return t, nil
}

// HandleResult routes a result obtained outside the turn loop, such as the
// result of finalizing a console command, through the status handler as a
// new turn.
func (o *Orchestrator) HandleResult(ctx context.Context, requestID string, res *model.OperationResult) (*Turn, error) {
	if res == nil {
		return nil, errors.New("orchestrator: nil operation result")
	}
	t, err := o.claim(requestID)
	if err != nil {
		return nil, err
	}
	o.logger.WithTurn(requestID).Info("external result received", zap.String("status", string(res.Status)))
	o.emit(ctx, t.requestID, &model.TurnEvent{Type: model.EventTurnStarted, Status: res.Status})
	o.spawn(ctx, t, func() *call {
		return o.route(ctx, t, "", res)
	})
	return t, nil
}

// Cancel marks the active turn as cancelled and ends it immediately. A
// response still in flight is routed when it arrives, but any continuation
// it asks for is suppressed. It returns the cancelled turn, or nil when idle.
func (o *Orchestrator) Cancel(ctx context.Context) *Turn {
	t := o.MarkCancelled()
	if t == nil {
		return nil
	}
	o.logger.WithTurn(t.requestID).Info("turn cancelled")
	o.finish(ctx, t, OutcomeCancelled, nil)
	return t
}

// MarkCancelled sets the cancellation flag of the active turn without ending
// it. It returns the marked turn, or nil when idle.
func (o *Orchestrator) MarkCancelled() *Turn {
	o.mu.Lock()
	t := o.active
	o.mu.Unlock()
	if t != nil {
		t.cancelled.Store(true)
	}
	return t
}

// IsProcessing reports whether a turn is active.
func (o *Orchestrator) IsProcessing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// CurrentRequestID returns the request id of the active turn, or "".
func (o *Orchestrator) CurrentRequestID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.requestID
}

// State returns the state of the active turn, or StateIdle.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	t := o.active
	o.mu.Unlock()
	if t == nil {
		return StateIdle
	}
	return t.State()
}

// Active returns the active turn, or nil.
func (o *Orchestrator) Active() *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) claim(requestID string) (*Turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return nil, ErrTurnInProgress
	}
	t := newTurn(requestID)
	o.active = t
	metrics.TurnStarted()
	return t, nil
}

func (o *Orchestrator) spawn(ctx context.Context, t *Turn, first func() *call) {
	go func() {
		defer close(t.done)
		o.loop(ctx, t, first())
	}()
}

// loop issues calls one at a time, routing each result before the next
// call is made. Nothing is sent for a turn that has already ended, even if
// the routing decision was taken just before a Cancel.
func (o *Orchestrator) loop(ctx context.Context, t *Turn, next *call) {
	for next != nil {
		if t.Ended() {
			o.logger.WithTurn(t.requestID).Debug("call skipped after turn ended", zap.String("operation", string(next.op)))
			return
		}
		t.setState(next.state)
		res, err := o.caller.Call(ctx, next.op, next.params)
		if err != nil {
			o.fail(ctx, t, &TransportError{Operation: next.op, Err: err})
			return
		}
		next = o.route(ctx, t, next.op, res)
	}
}

// finish runs the cleanup shared by every terminal path. Only the first
// call for a turn has any effect.
func (o *Orchestrator) finish(ctx context.Context, t *Turn, outcome Outcome, err error) {
	if !t.finish(outcome, err) {
		return
	}

	o.mu.Lock()
	delete(o.userMessageIDs, t.requestID)
	if o.active == t {
		o.active = nil
	}
	o.mu.Unlock()

	metrics.TurnFinished(string(outcome))
	o.logger.WithTurn(t.requestID).Info("turn ended", zap.String("outcome", string(outcome)))

	switch {
	case err != nil:
		o.emit(ctx, t.requestID, &model.TurnEvent{Type: model.EventTurnFailed, Reason: err.Error()})
	case outcome == OutcomeCancelled:
		o.emit(ctx, t.requestID, &model.TurnEvent{Type: model.EventTurnCancelled})
	}
	o.emit(ctx, t.requestID, &model.TurnEvent{Type: model.EventTurnEnded, Reason: string(outcome)})
}

func (o *Orchestrator) fail(ctx context.Context, t *Turn, err error) {
	log := o.logger.WithTurn(t.requestID)
	if t.Ended() {
		log.Debug("error after turn ended", zap.Error(err))
		return
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		log.Error("protocol error", zap.Error(err))
	} else {
		log.Warn("turn failed", zap.Error(err))
	}
	o.finish(ctx, t, OutcomeFailed, err)
}

// Emit presents an event that originates outside a turn, such as a stalled
// command, stamped like the orchestrator's own events.
func (o *Orchestrator) Emit(ctx context.Context, requestID string, ev *model.TurnEvent) {
	o.emit(ctx, requestID, ev)
}

func (o *Orchestrator) emit(ctx context.Context, requestID string, ev *model.TurnEvent) {
	if o.presenter == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.RequestID = requestID
	ev.CreatedAt = time.Now().UTC()
	ev.Sequence = o.seq.Add(1)
	o.presenter.Present(ctx, ev)
}

func (o *Orchestrator) userMessageID(requestID string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.userMessageIDs[requestID]
	return id, ok
}

func (o *Orchestrator) rememberUserMessage(requestID string, id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.userMessageIDs[requestID] = id
}
