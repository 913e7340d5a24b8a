package core

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandJoinRoom subscribes the client to a chat's room.
	CommandJoinRoom CommandKind = iota
	// CommandLeaveRoom unsubscribes the client from a chat's room.
	CommandLeaveRoom
)

func (k CommandKind) String() string {
	switch k {
	case CommandJoinRoom:
		return "join"
	case CommandLeaveRoom:
		return "leave"
	default:
		return "unknown"
	}
}

// Command represents an action requested by a client.
// Room is the chat ID.
type Command struct {
	Kind CommandKind
	Room string
}
