package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/middleware"
	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

// Commands is the part of the turn service the command endpoints use.
type Commands interface {
	AcceptConsoleCommand(ctx context.Context, messageID int, script, requestID string) error
	CancelConsoleCommand(ctx context.Context, messageID int, requestID string) error
	AcceptTerminalCommand(ctx context.Context, messageID int, script, requestID string) error
	CancelTerminalCommand(ctx context.Context, messageID int, requestID string) error
	AcceptEditFile(ctx context.Context, messageID int, editedCode, requestID string) (*orchestrator.Turn, error)
	CancelEditFile(ctx context.Context, messageID int, requestID string) (*orchestrator.Turn, error)
	RevertMessage(ctx context.Context, messageID int) error
}

// CommandRequest is the body of the command endpoints. Script applies to
// console and terminal commands, EditedCode to edits.
type CommandRequest struct {
	RequestID  string `json:"request_id"`
	Script     string `json:"script,omitempty"`
	EditedCode string `json:"edited_code,omitempty"`
}

// CommandResponse reports what a command decision set in motion.
type CommandResponse struct {
	MessageID int    `json:"message_id"`
	Kind      string `json:"kind"`
	Action    string `json:"action"`
	// RequestID is set when the decision started a new turn.
	RequestID string `json:"request_id,omitempty"`
}

// CommandHandler handles command approval endpoints.
type CommandHandler struct {
	service Commands
	logger  *logger.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(svc Commands, log *logger.Logger) *CommandHandler {
	return &CommandHandler{
		service: svc,
		logger:  logger.OrGlobal(log),
	}
}

// Accept handles POST /api/v1/commands/{kind}/{messageID}/accept
func (h *CommandHandler) Accept(w http.ResponseWriter, r *http.Request) {
	kind, messageID, req, ok := h.parse(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	resp := &CommandResponse{MessageID: messageID, Kind: string(kind), Action: "accept"}

	var err error
	switch kind {
	case model.CommandConsole:
		err = h.service.AcceptConsoleCommand(ctx, messageID, req.Script, req.RequestID)
	case model.CommandTerminal:
		err = h.service.AcceptTerminalCommand(ctx, messageID, req.Script, req.RequestID)
	case model.CommandEdit:
		var turn *orchestrator.Turn
		turn, err = h.service.AcceptEditFile(ctx, messageID, req.EditedCode, req.RequestID)
		if turn != nil {
			resp.RequestID = turn.RequestID()
		}
	}
	if err != nil {
		h.respondError(w, r, kind, messageID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// Cancel handles POST /api/v1/commands/{kind}/{messageID}/cancel
func (h *CommandHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	kind, messageID, req, ok := h.parse(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	resp := &CommandResponse{MessageID: messageID, Kind: string(kind), Action: "cancel"}

	var err error
	switch kind {
	case model.CommandConsole:
		err = h.service.CancelConsoleCommand(ctx, messageID, req.RequestID)
	case model.CommandTerminal:
		err = h.service.CancelTerminalCommand(ctx, messageID, req.RequestID)
	case model.CommandEdit:
		var turn *orchestrator.Turn
		turn, err = h.service.CancelEditFile(ctx, messageID, req.RequestID)
		if turn != nil {
			resp.RequestID = turn.RequestID()
		}
	}
	if err != nil {
		h.respondError(w, r, kind, messageID, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Revert handles POST /api/v1/messages/{messageID}/revert
func (h *CommandHandler) Revert(w http.ResponseWriter, r *http.Request) {
	messageID, err := middleware.ParseMessageID(chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.RevertMessage(r.Context(), messageID); err != nil {
		h.logger.Error("failed to revert message", zap.Int("message_id", messageID), zap.Error(err))
		writeError(w, statusFor(err), "failed to revert message")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *CommandHandler) parse(w http.ResponseWriter, r *http.Request) (model.CommandKind, int, *CommandRequest, bool) {
	kind := model.CommandKind(chi.URLParam(r, "kind"))
	switch kind {
	case model.CommandConsole, model.CommandTerminal, model.CommandEdit:
	default:
		writeError(w, http.StatusNotFound, "unknown command kind")
		return "", 0, nil, false
	}

	messageID, err := middleware.ParseMessageID(chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", 0, nil, false
	}

	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", 0, nil, false
	}
	if err := middleware.ValidateRequestID(req.RequestID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", 0, nil, false
	}
	script := req.Script
	if kind == model.CommandEdit {
		script = req.EditedCode
	}
	if err := middleware.ValidateScript(script); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", 0, nil, false
	}

	return kind, messageID, &req, true
}

func (h *CommandHandler) respondError(w http.ResponseWriter, r *http.Request, kind model.CommandKind, messageID int, err error) {
	status := statusFor(err)
	h.logger.Warn("command decision failed",
		zap.String("kind", string(kind)),
		zap.Int("message_id", messageID),
		zap.Int("status", status),
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		zap.Error(err),
	)
	writeError(w, status, err.Error())
}
