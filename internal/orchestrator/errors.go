package orchestrator

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
)

// ErrTurnInProgress is returned when a turn is requested while another one
// is still being processed.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// ProtocolError is a fatal violation of the operation protocol, such as a
// continuation without its correlation ids. It is never retried.
type ProtocolError struct {
	Status model.Status
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Status == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Status, e.Reason)
}

// BackendError is an error the backend reported through an "error" status.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return "backend error: " + e.Message
}

// TransportError wraps a failed backend call.
type TransportError struct {
	Operation model.OperationType
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func protocolErr(status model.Status, format string, args ...any) *ProtocolError {
	return &ProtocolError{Status: status, Reason: fmt.Sprintf(format, args...)}
}
