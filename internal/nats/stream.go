package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
)

const (
	// StreamName is the name of the turn events stream.
	StreamName = "TURNS"

	// SubjectPrefix is the prefix for all turn subjects.
	SubjectPrefix = "turn"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the turns stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024, // 1GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Conversation turn lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// subjectToken makes a request id safe to use as a single subject token.
func subjectToken(requestID string) string {
	if requestID == "" {
		return "_"
	}
	return subjectReplacer.Replace(requestID)
}

// EventSubject returns the subject for an event.
func EventSubject(requestID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, subjectToken(requestID), eventType)
}

// TurnFilter returns the filter subject for all events of a turn.
func TurnFilter(requestID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, subjectToken(requestID))
}

// PublishEvent publishes an event to JetStream. The event id doubles as the
// message id so redelivered publishes are deduplicated.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.TurnEvent) (uint64, error) {
	return publishEvent(ctx, m.client.JetStream(), event)
}

func publishEvent(ctx context.Context, js publisher, event *model.TurnEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	var opts []jetstream.PublishOpt
	if event.ID != "" {
		opts = append(opts, jetstream.WithMsgID(event.ID))
	}
	ack, err := js.Publish(ctx, EventSubject(event.RequestID, event.Type), data, opts...)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}

// GetEvents retrieves the recorded events of a turn starting after a stream
// sequence.
func (m *StreamManager) GetEvents(ctx context.Context, requestID string, afterSequence uint64, limit int) ([]model.TurnEvent, uint64, bool, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: TurnFilter(requestID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []model.TurnEvent
	var lastSequence uint64

	for msg := range batch.Messages() {
		var ev model.TurnEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}

		if meta, err := msg.Metadata(); err == nil {
			lastSequence = meta.Sequence.Stream
		}

		events = append(events, ev)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	hasMore := len(events) == limit

	return events, lastSequence, hasMore, nil
}
