// Package handler provides HTTP handlers for the control API.
package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/middleware"
	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/turn-orchestrator/internal/service"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

// Turns is the part of the turn service the turn endpoints use.
type Turns interface {
	Submit(ctx context.Context, query string) (*orchestrator.Turn, error)
	Continue(ctx context.Context, c model.Correlation) (*orchestrator.Turn, error)
	Cancel(ctx context.Context) (string, bool)
	Status() service.Snapshot
}

// SubmitTurnRequest is the body of POST /api/v1/turns.
type SubmitTurnRequest struct {
	Query string `json:"query"`
}

// TurnAccepted is returned when a turn has been started.
type TurnAccepted struct {
	RequestID string             `json:"request_id"`
	State     orchestrator.State `json:"state"`
}

// CancelResponse reports the result of a cancellation.
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	RequestID string `json:"request_id,omitempty"`
}

// TurnHandler handles turn endpoints.
type TurnHandler struct {
	service Turns
	logger  *logger.Logger
}

// NewTurnHandler creates a new turn handler.
func NewTurnHandler(svc Turns, log *logger.Logger) *TurnHandler {
	return &TurnHandler{
		service: svc,
		logger:  logger.OrGlobal(log),
	}
}

// Submit handles POST /api/v1/turns
func (h *TurnHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTurnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := h.service.Submit(r.Context(), req.Query)
	if err != nil {
		h.respondError(w, r, "failed to start turn", err)
		return
	}

	writeJSON(w, http.StatusAccepted, &TurnAccepted{
		RequestID: turn.RequestID(),
		State:     turn.State(),
	})
}

// Continue handles POST /api/v1/turns/continue
func (h *TurnHandler) Continue(w http.ResponseWriter, r *http.Request) {
	var req model.Correlation
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := h.service.Continue(r.Context(), req)
	if err != nil {
		h.respondError(w, r, "failed to continue conversation", err)
		return
	}

	writeJSON(w, http.StatusAccepted, &TurnAccepted{
		RequestID: turn.RequestID(),
		State:     turn.State(),
	})
}

// Cancel handles POST /api/v1/turns/cancel
func (h *TurnHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.service.Cancel(r.Context())
	writeJSON(w, http.StatusOK, &CancelResponse{Cancelled: ok, RequestID: requestID})
}

// Current handles GET /api/v1/turns/current
func (h *TurnHandler) Current(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

func (h *TurnHandler) respondError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg,
			zap.Error(err),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)
	}
	writeError(w, status, err.Error())
}
