package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

func event(seq uint64, typ model.EventType) *model.TurnEvent {
	return &model.TurnEvent{ID: "ev", RequestID: "req", Type: typ, Sequence: seq}
}

func receive(t *testing.T, sub *Subscription) *model.TurnEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestHubDeliversToAllSubscribers(t *testing.T) {
	hub := NewHub(4, 8, logger.Nop())
	a := hub.Subscribe()
	b := hub.Subscribe()
	assert.Equal(t, 2, hub.Subscribers())

	hub.Present(context.Background(), event(1, model.EventTurnStarted))

	assert.Equal(t, uint64(1), receive(t, a).Sequence)
	assert.Equal(t, uint64(1), receive(t, b).Sequence)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(1, 8, logger.Nop())
	sub := hub.Subscribe()

	hub.Present(context.Background(), event(1, model.EventTurnStarted))
	hub.Present(context.Background(), event(2, model.EventTurnEnded))

	assert.Equal(t, uint64(1), receive(t, sub).Sequence)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %d", ev.Sequence)
	default:
	}
}

func TestSubscribeAfterReplaysRetainedEvents(t *testing.T) {
	hub := NewHub(4, 3, logger.Nop())
	for seq := uint64(1); seq <= 5; seq++ {
		hub.Present(context.Background(), event(seq, model.EventDisplayUpdate))
	}

	sub, backlog := hub.SubscribeAfter(3)
	defer sub.Close()

	require.Len(t, backlog, 2)
	assert.Equal(t, uint64(4), backlog[0].Sequence)
	assert.Equal(t, uint64(5), backlog[1].Sequence)

	_, all := hub.SubscribeAfter(0)
	assert.Len(t, all, 3, "only the retained window is replayed")

	hub.Present(context.Background(), event(6, model.EventTurnEnded))
	assert.Equal(t, uint64(6), receive(t, sub).Sequence)
}

func TestSubscriptionClose(t *testing.T) {
	hub := NewHub(4, 4, logger.Nop())
	sub := hub.Subscribe()
	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())

	hub.Present(context.Background(), event(1, model.EventTurnStarted))
}

func TestHubClose(t *testing.T) {
	hub := NewHub(4, 4, logger.Nop())
	sub := hub.Subscribe()
	hub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	sub.Close()

	late := hub.Subscribe()
	_, ok = <-late.Events()
	assert.False(t, ok)
}
