package nats

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
	"github.com/capitalize-ai/turn-orchestrator/pkg/metrics"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

// publisher is the subset of jetstream.JetStream used to publish events.
type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher mirrors turn events onto the TURNS stream. Present only
// enqueues; a background goroutine does the publishing so a slow broker
// never holds up a turn.
type EventPublisher struct {
	js      publisher
	timeout time.Duration
	logger  *logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *model.TurnEvent
	done   chan struct{}
}

// NewEventPublisher creates a publisher for the client's JetStream context
// and starts its delivery goroutine.
func NewEventPublisher(client *Client, log *logger.Logger) *EventPublisher {
	return newEventPublisher(client.JetStream(), defaultQueueSize, defaultPublishTimeout, log)
}

func newEventPublisher(js publisher, queueSize int, timeout time.Duration, log *logger.Logger) *EventPublisher {
	p := &EventPublisher{
		js:      js,
		timeout: timeout,
		logger:  logger.OrGlobal(log),
		queue:   make(chan *model.TurnEvent, queueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Present implements orchestrator.Presenter.
func (p *EventPublisher) Present(ctx context.Context, ev *model.TurnEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.RecordPublish(string(ev.Type), "dropped")
		return
	}

	select {
	case p.queue <- ev:
	default:
		metrics.RecordPublish(string(ev.Type), "dropped")
		p.logger.Warn("event queue full, dropping event",
			zap.String("request_id", ev.RequestID),
			zap.String("event_type", string(ev.Type)),
		)
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (p *EventPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *EventPublisher) run() {
	defer close(p.done)

	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		seq, err := publishEvent(ctx, p.js, ev)
		cancel()

		if err != nil {
			metrics.RecordPublish(string(ev.Type), "failed")
			p.logger.Warn("failed to publish turn event",
				zap.String("request_id", ev.RequestID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
			continue
		}

		metrics.RecordPublish(string(ev.Type), "published")
		p.logger.Debug("turn event published",
			zap.String("request_id", ev.RequestID),
			zap.String("event_type", string(ev.Type)),
			zap.Uint64("stream_sequence", seq),
		)
	}
}
