package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/metrics"
)

// route decides what follows a backend response. A nil call means the turn
// is over.
func (o *Orchestrator) route(ctx context.Context, t *Turn, op model.OperationType, res *model.OperationResult) *call {
	metrics.RecordStatus(string(res.Status))
	if op == model.OpInitializeConversation && res.Status == model.StatusDone {
		return o.initialized(ctx, t, res)
	}
	return o.handle(ctx, t, res)
}

func (o *Orchestrator) initialized(ctx context.Context, t *Turn, res *model.OperationResult) *call {
	idx := res.ConversationIndex()
	if idx == nil {
		o.fail(ctx, t, protocolErr(res.Status, "initialize response missing conversation_index"))
		return nil
	}
	userMessageID := res.Data.UserMessageID
	if userMessageID != nil && t.requestID != "" {
		o.rememberUserMessage(t.requestID, *userMessageID)
	}
	if t.Cancelled() {
		o.finish(ctx, t, OutcomeCancelled, nil)
		return nil
	}
	return o.apiCall(ctx, t, userMessageID, idx, t.requestID)
}

// handle is the central status handler.
func (o *Orchestrator) handle(ctx context.Context, t *Turn, res *model.OperationResult) *call {
	log := o.logger.WithTurn(t.requestID)

	switch res.Status {
	case model.StatusDone:
		o.display(ctx, t, res)
		o.finish(ctx, t, OutcomeDone, nil)
		return nil

	case model.StatusContinueSilent, model.StatusContinueAndDisplay:
		if res.Status == model.StatusContinueAndDisplay {
			o.display(ctx, t, res)
		}
		if t.Cancelled() {
			log.Info("continuation suppressed after cancel", zap.String("status", string(res.Status)))
			o.finish(ctx, t, OutcomeCancelled, nil)
			return nil
		}
		if res.Data == nil {
			o.fail(ctx, t, protocolErr(res.Status, "response missing data object"))
			return nil
		}
		rel := res.RelatedToID()
		if rel == nil {
			o.fail(ctx, t, protocolErr(res.Status, "response missing related_to_id"))
			return nil
		}
		idx := res.ConversationIndex()
		if idx == nil {
			o.fail(ctx, t, protocolErr(res.Status, "response missing conversation_index"))
			return nil
		}
		return o.apiCall(ctx, t, rel, idx, res.RequestID(t.requestID))

	case model.StatusFunctionCall:
		return o.functionCall(ctx, t, res)

	case model.StatusPending:
		o.display(ctx, t, res)
		o.finish(ctx, t, OutcomePending, nil)
		return nil

	case model.StatusError:
		o.fail(ctx, t, &BackendError{Message: res.ErrorText()})
		return nil

	default:
		o.fail(ctx, t, protocolErr(res.Status, "unknown status %q", res.Status))
		return nil
	}
}

func (o *Orchestrator) functionCall(ctx context.Context, t *Turn, res *model.OperationResult) *call {
	if len(res.FunctionCall) == 0 {
		o.fail(ctx, t, protocolErr(res.Status, "function call status without function call data"))
		return nil
	}

	rel := res.RelatedToID()
	if rel == nil {
		// Older backends omit the link on function calls; fall back to the
		// user message that opened the request.
		id, ok := o.userMessageID(t.requestID)
		if !ok {
			o.fail(ctx, t, protocolErr(res.Status,
				"response missing related_to_id and no user message recorded for request %q", t.requestID))
			return nil
		}
		o.logger.WithTurn(t.requestID).Warn("function call without related_to_id, using user message",
			zap.Int("user_message_id", id))
		rel = &id
	}
	idx := res.ConversationIndex()
	if idx == nil {
		o.fail(ctx, t, protocolErr(res.Status, "response missing conversation_index"))
		return nil
	}

	params := model.Params{
		"function_call":      res.FunctionCall,
		"related_to_id":      *rel,
		"conversation_index": *idx,
	}
	if t.requestID != "" {
		params["request_id"] = t.requestID
	}
	return &call{op: model.OpProcessFunctionCall, state: StateExecutingFunctionCall, params: params}
}

// apiCall builds a make_api_call. A missing related_to_id ends the turn
// before anything is sent.
func (o *Orchestrator) apiCall(ctx context.Context, t *Turn, relatedToID, conversationIndex *int, requestID string) *call {
	if relatedToID == nil {
		o.fail(ctx, t, protocolErr("", "related_to_id is required for make_api_call"))
		return nil
	}

	params := model.Params{"related_to_id": *relatedToID}
	if conversationIndex != nil {
		params["conversation_index"] = *conversationIndex
	}
	if o.model != "" {
		params["model"] = o.model
	}
	if requestID != "" {
		params["request_id"] = requestID
	} else {
		o.logger.Warn("make_api_call without request id", zap.Int("related_to_id", *relatedToID))
	}
	return &call{op: model.OpMakeAPICall, state: StateAwaitingAPIResponse, params: params}
}

// display is the display-completion hook.
func (o *Orchestrator) display(ctx context.Context, t *Turn, res *model.OperationResult) {
	ev := &model.TurnEvent{
		Type:              model.EventDisplayUpdate,
		Status:            res.Status,
		ConversationIndex: res.ConversationIndex(),
		RelatedToID:       res.RelatedToID(),
	}
	if res.Data != nil {
		ev.MessageID = res.Data.MessageID
		ev.Data = res.Data.Raw
	}
	o.emit(ctx, t.requestID, ev)
}
