package core

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventChatUpdate carries a full chat snapshot.
	EventChatUpdate EventKind = iota
	// EventError notifies clients about a domain error.
	EventError
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind   EventKind
	Room   string
	Update *ChatUpdate
	Error  *CoreError
}
