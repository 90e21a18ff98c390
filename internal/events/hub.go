// Package events fans turn events out to in-process subscribers such as
// server-sent event streams.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
	"github.com/capitalize-ai/turn-orchestrator/pkg/metrics"
)

const (
	// DefaultBuffer is the per-subscriber channel capacity.
	DefaultBuffer = 64
	// DefaultHistory is how many recent events are kept for replay.
	DefaultHistory = 256
)

// Hub is a Presenter that delivers every event to all current subscribers.
// A subscriber that falls behind loses events rather than stalling the turn.
type Hub struct {
	buffer  int
	history int
	logger  *logger.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	recent []*model.TurnEvent
	closed bool
}

// NewHub creates a hub. Non-positive sizes select the defaults.
func NewHub(buffer, history int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if history <= 0 {
		history = DefaultHistory
	}
	return &Hub{
		buffer:  buffer,
		history: history,
		logger:  logger.OrGlobal(log),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Subscription receives events from a hub until it is closed.
type Subscription struct {
	hub  *Hub
	ch   chan *model.TurnEvent
	once sync.Once
}

// Events returns the delivery channel. It is closed when the subscription
// or the hub is closed.
func (s *Subscription) Events() <-chan *model.TurnEvent {
	return s.ch
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.hub.subs, s)
		close(s.ch)
	})
}

// Subscribe attaches a new subscriber that receives events published from
// now on.
func (h *Hub) Subscribe() *Subscription {
	sub, _ := h.subscribe(false, 0)
	return sub
}

// SubscribeAfter attaches a new subscriber and returns the retained events
// with a sequence greater than after. No event is both replayed and
// delivered.
func (h *Hub) SubscribeAfter(after uint64) (*Subscription, []*model.TurnEvent) {
	return h.subscribe(true, after)
}

func (h *Hub) subscribe(replay bool, after uint64) (*Subscription, []*model.TurnEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{hub: h, ch: make(chan *model.TurnEvent, h.buffer)}
	if h.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub, nil
	}
	h.subs[sub] = struct{}{}

	var backlog []*model.TurnEvent
	if replay {
		for _, ev := range h.recent {
			if ev.Sequence > after {
				backlog = append(backlog, ev)
			}
		}
	}
	return sub, backlog
}

// Present implements orchestrator.Presenter.
func (h *Hub) Present(ctx context.Context, ev *model.TurnEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.recent = append(h.recent, ev)
	if len(h.recent) > h.history {
		h.recent = h.recent[len(h.recent)-h.history:]
	}

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
			metrics.RecordPublish(string(ev.Type), "delivered")
		default:
			metrics.RecordPublish(string(ev.Type), "dropped")
			h.logger.Warn("subscriber lagging, event dropped",
				zap.String("request_id", ev.RequestID),
				zap.String("event_type", string(ev.Type)),
			)
		}
	}
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber. Later events are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		sub.closeLocked()
	}
}
