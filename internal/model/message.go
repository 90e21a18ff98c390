package model

// Correlation carries the identifiers needed to continue a conversation.
// Nil pointers mean the identifier was not supplied.
type Correlation struct {
	RelatedToID       *int   `json:"related_to_id,omitempty"`
	ConversationIndex *int   `json:"conversation_index,omitempty"`
	RequestID         string `json:"request_id,omitempty"`
}

// CommandKind names the kind of externally executed command a function call
// can request.
type CommandKind string

const (
	CommandConsole  CommandKind = "console"
	CommandTerminal CommandKind = "terminal"
	CommandEdit     CommandKind = "edit"
)
