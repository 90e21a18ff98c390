// Package model defines the wire and domain types shared by the orchestrator
// and its collaborators.
package model

// Status is the status tag of an operation result.
type Status string

const (
	StatusDone               Status = "done"
	StatusContinueSilent     Status = "continue_silent"
	StatusContinueAndDisplay Status = "continue_and_display"
	StatusFunctionCall       Status = "function_call"
	StatusPending            Status = "pending"
	StatusError              Status = "error"
)

// Known reports whether s is one of the statuses the protocol defines.
func (s Status) Known() bool {
	switch s {
	case StatusDone, StatusContinueSilent, StatusContinueAndDisplay,
		StatusFunctionCall, StatusPending, StatusError:
		return true
	}
	return false
}

// RequiresCorrelation reports whether a result with this status must carry
// conversation_index and related_to_id.
func (s Status) RequiresCorrelation() bool {
	return s == StatusContinueSilent || s == StatusContinueAndDisplay || s == StatusFunctionCall
}

// OperationType names a process_ai_operation sub-operation.
type OperationType string

const (
	OpInitializeConversation OperationType = "initialize_conversation"
	OpMakeAPICall            OperationType = "make_api_call"
	OpProcessFunctionCall    OperationType = "process_function_call"
)

// Params is the parameter bag of a process_ai_operation call. Numeric
// identifiers are stored as Go ints so they encode as JSON numbers.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
