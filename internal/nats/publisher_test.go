package nats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

type published struct {
	subject string
	payload []byte
}

type fakeJetStream struct {
	mu    sync.Mutex
	msgs  []published
	fail  bool
	block chan struct{}
}

func (f *fakeJetStream) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, payload: payload})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJetStream) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.subject)
	}
	return out
}

func TestEventSubject(t *testing.T) {
	tests := []struct {
		requestID string
		want      string
	}{
		{"6f1c2d3e-aaaa-bbbb-cccc-000000000001", "turn.6f1c2d3e-aaaa-bbbb-cccc-000000000001.event.turn_started"},
		{"a.b", "turn.a_b.event.turn_started"},
		{"x*y>z", "turn.x_y_z.event.turn_started"},
		{"", "turn._.event.turn_started"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EventSubject(tt.requestID, model.EventTurnStarted))
	}
	assert.Equal(t, "turn.a_b.>", TurnFilter("a.b"))
}

func TestEventPublisherPublishesInOrder(t *testing.T) {
	js := &fakeJetStream{}
	p := newEventPublisher(js, 8, time.Second, logger.Nop())

	p.Present(context.Background(), &model.TurnEvent{ID: "1", RequestID: "req", Type: model.EventTurnStarted})
	p.Present(context.Background(), &model.TurnEvent{ID: "2", RequestID: "req", Type: model.EventTurnEnded})
	p.Close()

	assert.Equal(t, []string{
		"turn.req.event.turn_started",
		"turn.req.event.turn_ended",
	}, js.subjects())

	var ev model.TurnEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].payload, &ev))
	assert.Equal(t, "1", ev.ID)
	assert.Equal(t, model.EventTurnStarted, ev.Type)
}

func TestEventPublisherSurvivesFailures(t *testing.T) {
	js := &fakeJetStream{fail: true}
	p := newEventPublisher(js, 8, time.Second, logger.Nop())

	p.Present(context.Background(), &model.TurnEvent{ID: "1", RequestID: "req", Type: model.EventTurnStarted})
	p.Close()

	assert.Empty(t, js.subjects())
}

func TestEventPublisherDropsWhenFull(t *testing.T) {
	js := &fakeJetStream{block: make(chan struct{})}
	p := newEventPublisher(js, 1, time.Second, logger.Nop())

	for i := 0; i < 5; i++ {
		p.Present(context.Background(), &model.TurnEvent{RequestID: "req", Type: model.EventDisplayUpdate})
	}
	close(js.block)
	p.Close()

	// One in flight plus one queued at most.
	assert.LessOrEqual(t, len(js.subjects()), 2)

	// Presenting after close is harmless.
	p.Present(context.Background(), &model.TurnEvent{RequestID: "req", Type: model.EventTurnEnded})
}
