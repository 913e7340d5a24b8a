// Package client keeps one user's view of their chats consistent with the
// server by combining REST calls with pushed chat updates.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

var (
	// ErrEmptyMessage is returned when the draft is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoChatSelected is returned when sending without a selected chat.
	ErrNoChatSelected = errors.New("no chat selected")
	// ErrNoTarget is returned when creating a chat without choosing a user.
	ErrNoTarget = errors.New("no user selected for new chat")
	// ErrProtocolViolation marks an update the session cannot interpret.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

const teardownTimeout = 5 * time.Second

// API is the request/response surface the session calls.
type API interface {
	ListChatsForUser(ctx context.Context, username string) ([]proto.Chat, error)
	GetChat(ctx context.Context, chatID string) (proto.Chat, error)
	CreateChat(ctx context.Context, participants []string) (proto.Chat, error)
	SendMessage(ctx context.Context, chatID string, msg proto.MessagePayload) (proto.Chat, error)
	AddParticipant(ctx context.Context, chatID, participant string) (proto.Chat, error)
}

// Socket is the push channel. Handlers registered with Subscribe must be
// called one at a time in arrival order.
type Socket interface {
	Subscribe(handler func(proto.ChatUpdate)) (unsubscribe func())
	Join(ctx context.Context, chatID string) error
	Leave(ctx context.Context, chatID string) error
}

// State is a snapshot of the session's local view.
type State struct {
	// Chats is ordered most recent first.
	Chats           []proto.Chat
	Selected        *proto.Chat
	Draft           string
	PendingTarget   string
	CreatePanelOpen bool
}

func (s State) clone() State {
	out := s
	out.Chats = append([]proto.Chat(nil), s.Chats...)
	if s.Selected != nil {
		sel := *s.Selected
		out.Selected = &sel
	}
	return out
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Session) {
		s.log = log.OrNop(logger)
	}
}

// WithOnChange registers a callback invoked with a fresh snapshot after
// every state change. It must not call back into the session synchronously.
func WithOnChange(fn func(State)) Option {
	return func(s *Session) {
		s.onChange = fn
	}
}

// Session is bound to a single identity for its whole life. Switching
// identity means closing the session and starting a new one.
type Session struct {
	self     string
	api      API
	socket   Socket
	log      *zerolog.Logger
	onChange func(State)

	mu          sync.Mutex
	state       State
	selectSeq   uint64
	started     bool
	closed      bool
	err         error
	unsubscribe func()

	// roomMu serializes join/leave so at most one room is held.
	roomMu sync.Mutex
	joined string

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates a session for self. Call Start to begin syncing.
func NewSession(self string, api API, socket Socket, opts ...Option) *Session {
	s := &Session{
		self:   self,
		api:    api,
		socket: socket,
		log:    log.OrNop(nil),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Self returns the session identity.
func (s *Session) Self() string {
	return s.self
}

// State returns a copy of the current local view.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start subscribes to updates and then loads the chat list. Chats that
// arrive through updates while the list is loading are kept. Subsequent
// calls are no-ops.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	unsubscribe := s.socket.Subscribe(func(u proto.ChatUpdate) {
		_ = s.HandleUpdate(u)
	})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	chats, err := s.api.ListChatsForUser(ctx, s.self)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	seen := make(map[string]struct{}, len(s.state.Chats))
	for _, c := range s.state.Chats {
		seen[c.ID] = struct{}{}
	}
	for _, c := range chats {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		s.state.Chats = append(s.state.Chats, c)
	}
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.log.Debug().Str("user", s.self).Int("chats", len(snapshot.Chats)).Msg("session started")
	s.notify(snapshot)
	return nil
}

// SelectChat fetches chatID, shows it and moves the room subscription to it.
// When selections overlap only the latest one is applied.
func (s *Session) SelectChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.selectSeq++
	seq := s.selectSeq
	s.mu.Unlock()

	chat, err := s.api.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("get chat %s: %w", chatID, err)
	}

	s.mu.Lock()
	if s.closed || seq != s.selectSeq {
		s.mu.Unlock()
		s.log.Debug().Str("chat_id", chatID).Msg("discarding superseded selection")
		return nil
	}
	s.state.Selected = &chat
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return s.syncRoom(ctx)
}

// SetDraft replaces the uncommitted message text.
func (s *Session) SetDraft(text string) {
	s.update(func(st *State) { st.Draft = text })
}

// SelectUser chooses the other participant of the next chat to create.
func (s *Session) SelectUser(target string) {
	s.update(func(st *State) { st.PendingTarget = target })
}

// SetCreatePanelOpen records whether the new-chat form is shown.
func (s *Session) SetCreatePanelOpen(open bool) {
	s.update(func(st *State) { st.CreatePanelOpen = open })
}

// SendMessage posts the draft to the selected chat. Blank drafts and missing
// selections fail before any request is made. The server's snapshot replaces
// the selected chat; nothing is appended locally.
func (s *Session) SendMessage(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	body := s.state.Draft
	selected := s.state.Selected
	s.mu.Unlock()

	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	if selected == nil {
		return ErrNoChatSelected
	}

	chat, err := s.api.SendMessage(ctx, selected.ID, proto.MessagePayload{Msg: body, MsgFrom: s.self})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	// A pushed newMessage for a later message may already be applied.
	if cur := s.state.Selected; cur != nil && cur.ID == chat.ID && len(chat.Messages) >= len(cur.Messages) {
		s.state.Selected = &chat
	}
	if s.state.Draft == body {
		s.state.Draft = ""
	}
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// CreateChat opens a chat between self and the pending target, selects it
// and joins its room. It supersedes any selection still in flight.
func (s *Session) CreateChat(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	target := strings.TrimSpace(s.state.PendingTarget)
	if target == "" {
		s.mu.Unlock()
		return ErrNoTarget
	}
	s.selectSeq++
	seq := s.selectSeq
	s.mu.Unlock()

	chat, err := s.api.CreateChat(ctx, []string{s.self, target})
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.state.Chats = prepend(s.state.Chats, chat)
	current := seq == s.selectSeq
	if current {
		s.state.Selected = &chat
		s.state.PendingTarget = ""
		s.state.CreatePanelOpen = false
	}
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	if !current {
		return nil
	}
	return s.syncRoom(ctx)
}

// AddParticipant adds participant to chatID. The list is updated by the
// newParticipant broadcast that follows.
func (s *Session) AddParticipant(ctx context.Context, chatID, participant string) error {
	if _, err := s.api.AddParticipant(ctx, chatID, participant); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// HandleUpdate reconciles a pushed update with local state. An update of an
// unknown type ends the session with ErrProtocolViolation.
func (s *Session) HandleUpdate(u proto.ChatUpdate) error {
	kind, err := core.ParseUpdateKind(u.Type)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	chat := u.Chat
	changed := false
	switch kind {
	case core.UpdateCreated:
		if chat.HasParticipant(s.self) {
			s.state.Chats = prepend(s.state.Chats, chat)
			changed = true
		}
	case core.UpdateNewMessage:
		// Delivered only to the room of the chat on screen.
		if sel := s.state.Selected; sel != nil && sel.ID == chat.ID {
			s.state.Selected = &chat
			changed = true
		}
	case core.UpdateNewParticipant:
		if chat.HasParticipant(s.self) {
			s.state.Chats = upsert(s.state.Chats, chat)
			if sel := s.state.Selected; sel != nil && sel.ID == chat.ID {
				s.state.Selected = &chat
			}
			changed = true
		}
	default:
		panic(fmt.Sprintf("client: unhandled update kind %v", kind))
	}
	snapshot := s.state.clone()
	s.mu.Unlock()

	if changed {
		s.notify(snapshot)
	}
	return nil
}

// Close unsubscribes from updates and then leaves the joined room. Only the
// first call has an effect.
func (s *Session) Close() {
	s.teardown(nil)
}

func (s *Session) fail(err error) {
	s.log.Error().Err(err).Str("user", s.self).Msg("session failed")
	s.teardown(err)
}

func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = cause
		unsubscribe := s.unsubscribe
		s.unsubscribe = nil
		s.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}

		s.roomMu.Lock()
		if s.joined != "" {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			if err := s.socket.Leave(ctx, s.joined); err != nil {
				s.log.Debug().Err(err).Str("chat_id", s.joined).Msg("leave on close")
			}
			cancel()
			s.joined = ""
		}
		s.roomMu.Unlock()

		close(s.done)
	})
}

// syncRoom moves the room subscription to whatever chat is selected now,
// so the joined room never lags behind a selection that was applied.
func (s *Session) syncRoom(ctx context.Context) error {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.mu.Lock()
	var target string
	if !s.closed && s.state.Selected != nil {
		target = s.state.Selected.ID
	}
	s.mu.Unlock()
	if target == "" || s.joined == target {
		return nil
	}

	if s.joined != "" {
		if err := s.socket.Leave(ctx, s.joined); err != nil {
			return fmt.Errorf("leave chat %s: %w", s.joined, err)
		}
		s.joined = ""
	}
	if err := s.socket.Join(ctx, target); err != nil {
		return fmt.Errorf("join chat %s: %w", target, err)
	}
	s.joined = target
	return nil
}

func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn(&s.state)
	snapshot := s.state.clone()
	s.mu.Unlock()
	s.notify(snapshot)
}

func (s *Session) notify(snapshot State) {
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

// prepend puts chat first, dropping an older entry with the same ID.
func prepend(chats []proto.Chat, chat proto.Chat) []proto.Chat {
	out := make([]proto.Chat, 0, len(chats)+1)
	out = append(out, chat)
	for _, c := range chats {
		if c.ID != chat.ID {
			out = append(out, c)
		}
	}
	return out
}

// upsert replaces the entry with chat's ID in place, or prepends chat.
func upsert(chats []proto.Chat, chat proto.Chat) []proto.Chat {
	for i, c := range chats {
		if c.ID == chat.ID {
			out := append([]proto.Chat(nil), chats...)
			out[i] = chat
			return out
		}
	}
	return prepend(chats, chat)
}
