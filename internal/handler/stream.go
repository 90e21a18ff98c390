package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/events"
	"github.com/capitalize-ai/turn-orchestrator/internal/middleware"
	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
	"github.com/capitalize-ai/turn-orchestrator/pkg/metrics"
)

// EventHistory reads the recorded events of a turn.
type EventHistory interface {
	GetEvents(ctx context.Context, requestID string, afterSequence uint64, limit int) ([]model.TurnEvent, uint64, bool, error)
}

// StreamHandler handles SSE streaming and event history endpoints.
type StreamHandler struct {
	hub     *events.Hub
	history EventHistory
	logger  *logger.Logger

	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler. history may be nil, in
// which case the history endpoint reports 503.
func NewStreamHandler(hub *events.Hub, history EventHistory, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		hub:       hub,
		history:   history,
		logger:    logger.OrGlobal(log),
		heartbeat: 30 * time.Second,
	}
}

// ReplayCompleteEvent represents the completion of event replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// EventsResponse is a page of recorded turn events.
type EventsResponse struct {
	Events       []model.TurnEvent `json:"events"`
	LastSequence uint64            `json:"last_sequence"`
	HasMore      bool              `json:"has_more"`
}

// Stream handles GET /api/v1/stream
// Supports ?after_sequence=N to replay retained events first
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse after_sequence query param for replay
	replay := false
	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		replay = true
		afterSequence = seq
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var (
		sub     *events.Subscription
		backlog []*model.TurnEvent
	)
	if replay {
		sub, backlog = h.hub.SubscribeAfter(afterSequence)
	} else {
		sub = h.hub.Subscribe()
	}
	defer sub.Close()

	// Track active connection
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	correlationID := middleware.GetCorrelationID(ctx)

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"correlation_id": correlationID,
	})

	if replay {
		lastSequence := afterSequence
		for _, ev := range backlog {
			sendSSEEvent(w, flusher, string(ev.Type), ev)
			lastSequence = ev.Sequence
		}
		sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
			LastSequence: lastSequence,
			EventCount:   len(backlog),
		})
		h.logger.Debug("event replay complete",
			zap.String("correlation_id", correlationID),
			zap.Int("events_replayed", len(backlog)),
			zap.Uint64("last_sequence", lastSequence),
		)
	}

	// Start heartbeat ticker for keeping connection alive
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("correlation_id", correlationID))
			return

		case ev, ok := <-sub.Events():
			if !ok {
				sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
					Code:    "shutting_down",
					Message: "event stream closed",
				})
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				h.logger.Warn("failed to encode event", zap.Error(err))
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

// Events handles GET /api/v1/turns/{requestID}/events
// Supports ?after_sequence=N and ?limit=N
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history is not enabled")
		return
	}

	requestID := chi.URLParam(r, "requestID")
	if err := middleware.ValidateRequestID(requestID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 50
	var afterSequence uint64

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	if s := r.URL.Query().Get("after_sequence"); s != "" {
		if parsed, err := strconv.ParseUint(s, 10, 64); err == nil {
			afterSequence = parsed
		}
	}

	evs, last, hasMore, err := h.history.GetEvents(r.Context(), requestID, afterSequence, limit)
	if err != nil {
		h.logger.Error("failed to read turn events", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read turn events")
		return
	}
	if evs == nil {
		evs = []model.TurnEvent{}
	}

	writeJSON(w, http.StatusOK, &EventsResponse{
		Events:       evs,
		LastSequence: last,
		HasMore:      hasMore,
	})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
