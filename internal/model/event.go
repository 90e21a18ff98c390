package model

import (
	"encoding/json"
	"time"
)

// EventType represents the type of turn event delivered to the presentation layer.
type EventType string

const (
	EventTurnStarted    EventType = "turn_started"
	EventDisplayUpdate  EventType = "display_update"
	EventTurnFailed     EventType = "turn_failed"
	EventTurnCancelled  EventType = "turn_cancelled"
	EventTurnEnded      EventType = "turn_ended"
	EventCommandStalled EventType = "command_stalled"
)

// TurnEvent represents a state change of a conversation turn.
type TurnEvent struct {
	ID                string          `json:"id"`
	RequestID         string          `json:"request_id"`
	Type              EventType       `json:"type"`
	Status            Status          `json:"status,omitempty"`
	Query             string          `json:"query,omitempty"`
	ConversationIndex *int            `json:"conversation_index,omitempty"`
	RelatedToID       *int            `json:"related_to_id,omitempty"`
	MessageID         *int            `json:"message_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	Sequence          uint64          `json:"sequence,omitempty"`
}

// HeartbeatEvent keeps idle event streams open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent represents an error delivered over an event stream.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
