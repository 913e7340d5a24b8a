package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello     = "hello"
	InboundTypeJoinChat  = "joinChat"
	InboundTypeLeaveChat = "leaveChat"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventReady      = "ready"
	EventChatUpdate = "chatUpdate"
)

// HelloData is sent by the client to introduce itself. It must be the first frame.
type HelloData struct {
	User     string `json:"user"`
	Token    string `json:"token,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// ChatData names the chat whose room a client joins or leaves.
type ChatData struct {
	ChatID string `json:"chatId"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Frame is Outbound as seen by a receiver, with Data left undecoded.
type Frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// ReadyData acknowledges hello once the connection is registered.
type ReadyData struct {
	User     string `json:"user"`
	Protocol int    `json:"protocol"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Msg
}
