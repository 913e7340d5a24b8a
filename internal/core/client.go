package core

// Client is one live connection as seen by the hub.
// Name is the identity the connection announced; it is used only for
// participant-scoped delivery.
type Client struct {
	ID       string
	Name     string
	Commands chan *Command
	Events   chan *Event

	// gone is closed by the hub when the client is unregistered.
	gone chan struct{}
}

// DefaultEventBuffer is the per-client outbound buffer used when none is given.
const DefaultEventBuffer = 64

// NewClient constructs a client with initialized channels.
// A non-positive buffer selects DefaultEventBuffer.
func NewClient(id, name string, buffer int) *Client {
	if name == "" {
		name = id
	}
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Client{
		ID:       id,
		Name:     name,
		Commands: make(chan *Command, 8),
		Events:   make(chan *Event, buffer),
		gone:     make(chan struct{}),
	}
}

// Gone is closed once the hub has unregistered the client.
func (c *Client) Gone() <-chan struct{} {
	return c.gone
}
