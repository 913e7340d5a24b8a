package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Hub owns every connection, every room and every membership. All of that
// state is touched only by the Run loop, which applies operations in the
// order they were submitted.
type Hub struct {
	ops     chan func()
	done    chan struct{}
	log     zerolog.Logger
	metrics *Metrics

	participantScoped bool

	clients map[*Client]map[string]struct{}
	rooms   map[string]*Room
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithParticipantScopedUpdates restricts shared-channel updates to
// connections whose Name is a participant of the chat.
func WithParticipantScopedUpdates() HubOption {
	return func(h *Hub) {
		h.participantScoped = true
	}
}

// NewHub creates a new hub. Logger and metrics may be nil.
func NewHub(logger *zerolog.Logger, metrics *Metrics, opts ...HubOption) *Hub {
	h := &Hub{
		ops:     make(chan func(), 256),
		done:    make(chan struct{}),
		log:     zerolog.Nop(),
		metrics: metrics,
		clients: make(map[*Client]map[string]struct{}),
		rooms:   make(map[string]*Room),
	}
	if logger != nil {
		h.log = logger.With().Str("component", "hub").Logger()
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes hub operations until ctx is cancelled. On exit every
// client is unregistered and its Events channel closed.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.unregister(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.ops:
			op()
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Hub) submit(op func()) bool {
	if h.closed() {
		return false
	}
	select {
	case h.ops <- op:
		return true
	case <-h.done:
		return false
	}
}

// call runs op on the loop and waits for its result.
func (h *Hub) call(op func() error) error {
	reply := make(chan error, 1)
	if !h.submit(func() { reply <- op() }) {
		return ErrHubClosed
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrHubClosed
	}
}

// RegisterClient adds a client to the hub and starts forwarding its Commands.
func (h *Hub) RegisterClient(c *Client) {
	if !h.submit(func() { h.register(c) }) {
		return
	}
	go h.pump(c)
}

// UnregisterClient removes a client from every room and closes its Events.
// It is safe to call more than once.
func (h *Hub) UnregisterClient(c *Client) {
	h.submit(func() { h.unregister(c) })
}

// Join subscribes c to room and returns once the membership is applied.
func (h *Hub) Join(c *Client, room string) error {
	return h.call(func() error { return h.join(c, room) })
}

// Leave unsubscribes c from room and returns once the membership is applied.
func (h *Hub) Leave(c *Client, room string) error {
	return h.call(func() error { return h.leave(c, room) })
}

// Publish routes update to its recipients. It returns once the update is
// queued behind every previously submitted operation.
func (h *Hub) Publish(ctx context.Context, update ChatUpdate) error {
	if _, err := Classify(update.Kind, update.Chat); err != nil {
		return err
	}
	if h.closed() {
		return ErrHubClosed
	}
	select {
	case h.ops <- func() { h.publish(update) }:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

// RoomSize returns the number of members of room.
func (h *Hub) RoomSize(room string) int {
	var n int
	_ = h.call(func() error {
		if r, ok := h.rooms[room]; ok {
			n = r.Size()
		}
		return nil
	})
	return n
}

// ClientRooms returns the rooms c is a member of.
func (h *Hub) ClientRooms(c *Client) []string {
	var rooms []string
	_ = h.call(func() error {
		for name := range h.clients[c] {
			rooms = append(rooms, name)
		}
		return nil
	})
	return rooms
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	var n int
	_ = h.call(func() error {
		n = len(h.clients)
		return nil
	})
	return n
}

func (h *Hub) pump(c *Client) {
	for {
		select {
		case cmd, ok := <-c.Commands:
			if !ok {
				return
			}
			if cmd == nil {
				continue
			}
			if !h.submit(func() { h.handleCommand(c, cmd) }) {
				return
			}
		case <-c.gone:
			return
		case <-h.done:
			return
		}
	}
}

func (h *Hub) handleCommand(c *Client, cmd *Command) {
	var err error
	switch cmd.Kind {
	case CommandJoinRoom:
		err = h.join(c, cmd.Room)
	case CommandLeaveRoom:
		err = h.leave(c, cmd.Room)
	default:
		err = fmt.Errorf("%w: unknown command", ErrBadRequest)
	}
	if err == nil {
		return
	}
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.sendTo(c, &Event{
		Kind:  EventError,
		Room:  cmd.Room,
		Error: NewError(ErrCodeBadRequest, err.Error()),
	})
}

func (h *Hub) register(c *Client) {
	if _, ok := h.clients[c]; ok {
		return
	}
	h.clients[c] = make(map[string]struct{})
	h.metrics.setSizes(len(h.clients), len(h.rooms))
	h.log.Debug().Str("client_id", c.ID).Str("user", c.Name).Msg("client registered")
}

func (h *Hub) unregister(c *Client) {
	memberships, ok := h.clients[c]
	if !ok {
		return
	}
	for name := range memberships {
		h.removeFromRoom(c, name)
	}
	delete(h.clients, c)
	close(c.Events)
	close(c.gone)
	h.metrics.setSizes(len(h.clients), len(h.rooms))
	h.log.Debug().Str("client_id", c.ID).Str("user", c.Name).Msg("client unregistered")
}

func (h *Hub) join(c *Client, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("%w: room is required", ErrBadRequest)
	}
	memberships, ok := h.clients[c]
	if !ok {
		return ErrUnknownClient
	}

	r, exists := h.rooms[room]
	if !exists {
		r = NewRoom(room)
		h.rooms[room] = r
	}
	if r.AddClient(c) {
		memberships[room] = struct{}{}
		h.metrics.setSizes(len(h.clients), len(h.rooms))
		h.log.Debug().Str("client_id", c.ID).Str("room", room).Msg("joined room")
	}
	return nil
}

func (h *Hub) leave(c *Client, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("%w: room is required", ErrBadRequest)
	}
	if _, ok := h.clients[c]; !ok {
		return ErrUnknownClient
	}
	if h.removeFromRoom(c, room) {
		h.metrics.setSizes(len(h.clients), len(h.rooms))
		h.log.Debug().Str("client_id", c.ID).Str("room", room).Msg("left room")
	}
	return nil
}

func (h *Hub) removeFromRoom(c *Client, room string) bool {
	delete(h.clients[c], room)
	r, ok := h.rooms[room]
	if !ok {
		return false
	}
	removed := r.RemoveClient(c)
	if r.Empty() {
		delete(h.rooms, room)
	}
	return removed
}

func (h *Hub) publish(update ChatUpdate) {
	h.metrics.incPublished(update.Kind)
	event := &Event{Kind: EventChatUpdate, Room: update.Chat.ID, Update: &update}

	if !update.Kind.Valid() {
		panic(fmt.Sprintf("core: unroutable update kind %v", update.Kind))
	}
	if !update.Kind.Shared() {
		r, ok := h.rooms[update.Chat.ID]
		if !ok {
			return
		}
		delivered, slow := r.Broadcast(event)
		h.metrics.addDelivered(delivered)
		h.evict(slow)
		return
	}

	var slow []*Client
	delivered := 0
	for c := range h.clients {
		if h.participantScoped && !update.Chat.HasParticipant(c.Name) {
			continue
		}
		select {
		case c.Events <- event:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.metrics.addDelivered(delivered)
	h.evict(slow)
}

func (h *Hub) sendTo(c *Client, event *Event) {
	select {
	case c.Events <- event:
		h.metrics.addDelivered(1)
	default:
		h.evict([]*Client{c})
	}
}

func (h *Hub) evict(slow []*Client) {
	for _, c := range slow {
		h.log.Warn().Str("client_id", c.ID).Str("user", c.Name).Msg("evicting slow client")
		h.metrics.incEvicted()
		h.unregister(c)
	}
}
