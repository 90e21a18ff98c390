package model

import (
	"encoding/json"
	"errors"
)

// ErrResultNotObject is returned when an operation result is not a JSON object.
var ErrResultNotObject = errors.New("operation result is not an object")

// Data is the correlation payload of an operation result. Absent or
// undecodable fields are nil.
type Data struct {
	ConversationIndex *int
	RelatedToID       *int
	UserMessageID     *int
	MessageID         *int
	RequestID         *string
	CommandType       *string

	// Raw is the complete data object as received, for presenters.
	Raw json.RawMessage
}

// OperationResult is the typed form of every backend operation response.
type OperationResult struct {
	Status Status
	// Data is nil when the response has no data object.
	Data *Data
	// FunctionCall is the opaque function call object, nil when absent.
	FunctionCall json.RawMessage
	// Error is the backend-reported error text, empty when absent.
	Error string
}

// UnmarshalJSON decodes a result, normalizing array-wrapped scalars.
func (r *OperationResult) UnmarshalJSON(b []byte) error {
	fields, _, ok := decodeObject(b)
	if !ok {
		return ErrResultNotObject
	}

	*r = OperationResult{}
	if raw, ok := fields["status"]; ok {
		if s, ok := DecodeString(raw); ok {
			r.Status = Status(s)
		}
	}
	if raw, ok := fields["data"]; ok {
		if dataFields, dataRaw, ok := decodeObject(raw); ok {
			r.Data = &Data{
				ConversationIndex: intField(dataFields, "conversation_index"),
				RelatedToID:       intField(dataFields, "related_to_id"),
				UserMessageID:     intField(dataFields, "user_message_id"),
				MessageID:         intField(dataFields, "message_id"),
				RequestID:         stringField(dataFields, "request_id"),
				CommandType:       stringField(dataFields, "command_type"),
				Raw:               dataRaw,
			}
		}
	}
	if raw, ok := fields["function_call"]; ok {
		if _, fcRaw, ok := decodeObject(raw); ok {
			r.FunctionCall = fcRaw
		}
	}
	if raw, ok := fields["error"]; ok {
		if s, ok := DecodeString(raw); ok {
			r.Error = s
		}
	}
	return nil
}

// MarshalJSON encodes the result in its canonical scalar form.
func (r OperationResult) MarshalJSON() ([]byte, error) {
	out := map[string]any{"status": r.Status}
	if r.Data != nil && len(r.Data.Raw) > 0 {
		out["data"] = r.Data.Raw
	}
	if len(r.FunctionCall) > 0 {
		out["function_call"] = r.FunctionCall
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// ConversationIndex returns data.conversation_index, or nil.
func (r *OperationResult) ConversationIndex() *int {
	if r.Data == nil {
		return nil
	}
	return r.Data.ConversationIndex
}

// RelatedToID returns data.related_to_id, or nil.
func (r *OperationResult) RelatedToID() *int {
	if r.Data == nil {
		return nil
	}
	return r.Data.RelatedToID
}

// RequestID returns data.request_id, or fallback when absent.
func (r *OperationResult) RequestID(fallback string) string {
	if r.Data == nil || r.Data.RequestID == nil {
		return fallback
	}
	return *r.Data.RequestID
}

// ErrorText returns the backend error message, or "Unknown error".
func (r *OperationResult) ErrorText() string {
	if r.Error == "" {
		return "Unknown error"
	}
	return r.Error
}
