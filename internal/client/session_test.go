package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    []string
	chats    map[string]proto.Chat
	list     []proto.Chat
	listHook func()
	nextID   int
	failNext error

	// gates block GetChat for an id until closed.
	gates map[string]chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{chats: make(map[string]proto.Chat), gates: make(map[string]chan struct{})}
}

func (f *fakeAPI) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) put(c proto.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[c.ID] = c
}

func (f *fakeAPI) gate(id string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[id] = ch
	return ch
}

func (f *fakeAPI) ListChatsForUser(ctx context.Context, username string) ([]proto.Chat, error) {
	if err := f.record("list " + username); err != nil {
		return nil, err
	}
	if f.listHook != nil {
		f.listHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Chat(nil), f.list...), nil
}

func (f *fakeAPI) GetChat(ctx context.Context, chatID string) (proto.Chat, error) {
	if err := f.record("get " + chatID); err != nil {
		return proto.Chat{}, err
	}
	f.mu.Lock()
	gate := f.gates[chatID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return proto.Chat{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return proto.Chat{}, &APIError{Status: 500, Msg: "not found"}
	}
	return c, nil
}

func (f *fakeAPI) CreateChat(ctx context.Context, participants []string) (proto.Chat, error) {
	if err := f.record(fmt.Sprintf("create %v", participants)); err != nil {
		return proto.Chat{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := proto.Chat{ID: fmt.Sprintf("new-%d", f.nextID), Participants: participants, Messages: []proto.Message{}}
	f.chats[c.ID] = c
	return c, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID string, msg proto.MessagePayload) (proto.Chat, error) {
	if err := f.record("send " + chatID + " " + msg.Msg); err != nil {
		return proto.Chat{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.chats[chatID]
	c.Messages = append(append([]proto.Message(nil), c.Messages...), proto.Message{Msg: msg.Msg, MsgFrom: msg.MsgFrom})
	f.chats[chatID] = c
	return c, nil
}

func (f *fakeAPI) AddParticipant(ctx context.Context, chatID, participant string) (proto.Chat, error) {
	if err := f.record("add " + chatID + " " + participant); err != nil {
		return proto.Chat{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.chats[chatID]
	c.Participants = append(append([]string(nil), c.Participants...), participant)
	f.chats[chatID] = c
	return c, nil
}

type fakeSocket struct {
	mu      sync.Mutex
	ops     []string
	handler func(proto.ChatUpdate)
}

func (f *fakeSocket) Subscribe(handler func(proto.ChatUpdate)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "subscribe")
	f.handler = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.ops = append(f.ops, "unsubscribe")
		f.handler = nil
	}
}

func (f *fakeSocket) Join(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "join "+chatID)
	return nil
}

func (f *fakeSocket) Leave(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "leave "+chatID)
	return nil
}

func (f *fakeSocket) emit(u proto.ChatUpdate) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(u)
	}
}

func (f *fakeSocket) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func chatOf(id string, participants ...string) proto.Chat {
	return proto.Chat{ID: id, Participants: participants, Messages: []proto.Message{}}
}

func withMessages(c proto.Chat, bodies ...string) proto.Chat {
	for _, b := range bodies {
		c.Messages = append(c.Messages, proto.Message{Msg: b})
	}
	return c
}

func chatIDs(chats []proto.Chat) []string {
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func startSession(t *testing.T, self string, api *fakeAPI, sock *fakeSocket, opts ...Option) *Session {
	t.Helper()
	s := NewSession(self, api, sock, opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStartSubscribesBeforeListing(t *testing.T) {
	api := newFakeAPI()
	api.list = []proto.Chat{chatOf("c2", "alice", "bob"), chatOf("c1", "alice", "carol")}
	sock := &fakeSocket{}

	// A chat created while the list request is in flight must survive the merge.
	api.listHook = func() {
		sock.emit(proto.ChatUpdate{Type: "created", Chat: chatOf("c3", "alice", "dave")})
		sock.emit(proto.ChatUpdate{Type: "created", Chat: chatOf("c2", "alice", "bob")})
	}
	s := startSession(t, "alice", api, sock)

	if got := chatIDs(s.State().Chats); !equalStrings(got, []string{"c2", "c3", "c1"}) {
		t.Fatalf("unexpected chat order %v", got)
	}
	if h := sock.history(); len(h) == 0 || h[0] != "subscribe" {
		t.Fatalf("expected subscribe first, got %v", h)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if n := api.callCount(); n != 1 {
		t.Fatalf("expected a single list call, got %d", n)
	}
}

func TestCreatedFilteredByParticipant(t *testing.T) {
	cases := []struct {
		name         string
		participants []string
		want         int
	}{
		{name: "member", participants: []string{"alice", "bob"}, want: 1},
		{name: "outsider", participants: []string{"bob", "carol"}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sock := &fakeSocket{}
			s := startSession(t, "alice", newFakeAPI(), sock)

			sock.emit(proto.ChatUpdate{Type: "created", Chat: chatOf("c1", tc.participants...)})
			if got := len(s.State().Chats); got != tc.want {
				t.Fatalf("expected %d chats, got %d", tc.want, got)
			}
		})
	}
}

func TestCreatedDeduplicatesByID(t *testing.T) {
	sock := &fakeSocket{}
	s := startSession(t, "alice", newFakeAPI(), sock)

	sock.emit(proto.ChatUpdate{Type: "created", Chat: chatOf("c1", "alice", "bob")})
	sock.emit(proto.ChatUpdate{Type: "created", Chat: chatOf("c2", "alice", "carol")})
	sock.emit(proto.ChatUpdate{Type: "created", Chat: chatOf("c1", "alice", "bob")})

	if got := chatIDs(s.State().Chats); !equalStrings(got, []string{"c1", "c2"}) {
		t.Fatalf("unexpected chats %v", got)
	}
}

func TestSelectChatJoinsAndLeaves(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("c1", "alice", "bob"))
	api.put(chatOf("c2", "alice", "carol"))
	sock := &fakeSocket{}
	s := startSession(t, "alice", api, sock)

	ctx := context.Background()
	if err := s.SelectChat(ctx, "c1"); err != nil {
		t.Fatalf("select c1: %v", err)
	}
	if err := s.SelectChat(ctx, "c1"); err != nil {
		t.Fatalf("reselect c1: %v", err)
	}
	if err := s.SelectChat(ctx, "c2"); err != nil {
		t.Fatalf("select c2: %v", err)
	}
	if err := s.SelectChat(ctx, ""); err != nil {
		t.Fatalf("empty select: %v", err)
	}

	want := []string{"subscribe", "join c1", "leave c1", "join c2"}
	if got := sock.history(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if sel := s.State().Selected; sel == nil || sel.ID != "c2" {
		t.Fatalf("expected c2 selected, got %+v", sel)
	}
}

func TestLastSelectionWins(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("slow", "alice", "bob"))
	api.put(chatOf("fast", "alice", "carol"))
	gate := api.gate("slow")
	sock := &fakeSocket{}
	s := startSession(t, "alice", api, sock)

	errCh := make(chan error, 1)
	go func() { errCh <- s.SelectChat(context.Background(), "slow") }()

	// Wait until the slow fetch is in flight.
	deadline := time.Now().Add(2 * time.Second)
	for api.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("slow fetch never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.SelectChat(context.Background(), "fast"); err != nil {
		t.Fatalf("select fast: %v", err)
	}
	close(gate)
	if err := <-errCh; err != nil {
		t.Fatalf("select slow: %v", err)
	}

	if sel := s.State().Selected; sel == nil || sel.ID != "fast" {
		t.Fatalf("stale selection applied: %+v", sel)
	}
	if got := sock.history(); !equalStrings(got, []string{"subscribe", "join fast"}) {
		t.Fatalf("unexpected room ops %v", got)
	}
}

func TestRoomFollowsSelectionWhenLaterSelectFails(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("c", "alice", "bob"))
	api.put(chatOf("a", "alice", "carol"))
	sock := &fakeSocket{}

	var (
		s         *Session
		once      sync.Once
		failedSel error
	)
	// While "a" is being applied, a newer selection of a missing chat
	// starts and fails.
	s = startSession(t, "alice", api, sock, WithOnChange(func(st State) {
		if st.Selected == nil || st.Selected.ID != "a" {
			return
		}
		once.Do(func() { failedSel = s.SelectChat(context.Background(), "b") })
	}))

	ctx := context.Background()
	if err := s.SelectChat(ctx, "c"); err != nil {
		t.Fatalf("select c: %v", err)
	}
	if err := s.SelectChat(ctx, "a"); err != nil {
		t.Fatalf("select a: %v", err)
	}

	var apiErr *APIError
	if !errors.As(failedSel, &apiErr) {
		t.Fatalf("expected the select of b to fail, got %v", failedSel)
	}
	if sel := s.State().Selected; sel == nil || sel.ID != "a" {
		t.Fatalf("expected a selected, got %+v", sel)
	}
	want := []string{"subscribe", "join c", "leave c", "join a"}
	if got := sock.history(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSendMessageRejectsBlankWithoutNetwork(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("c1", "alice", "bob"))
	s := startSession(t, "alice", api, &fakeSocket{})
	if err := s.SelectChat(context.Background(), "c1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	before := api.callCount()

	for _, draft := range []string{"", "   ", "\t\n"} {
		s.SetDraft(draft)
		if err := s.SendMessage(context.Background()); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("draft %q: expected ErrEmptyMessage, got %v", draft, err)
		}
	}
	if after := api.callCount(); after != before {
		t.Fatalf("blank drafts made %d network calls", after-before)
	}
}

func TestSendMessageRequiresSelection(t *testing.T) {
	api := newFakeAPI()
	s := startSession(t, "alice", api, &fakeSocket{})
	before := api.callCount()

	s.SetDraft("hello")
	if err := s.SendMessage(context.Background()); !errors.Is(err, ErrNoChatSelected) {
		t.Fatalf("expected ErrNoChatSelected, got %v", err)
	}
	if api.callCount() != before {
		t.Fatalf("expected no network call")
	}
}

func TestSendMessageReplacesSelected(t *testing.T) {
	api := newFakeAPI()
	api.put(withMessages(chatOf("c1", "alice", "bob"), "hi"))
	s := startSession(t, "alice", api, &fakeSocket{})
	if err := s.SelectChat(context.Background(), "c1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	s.SetDraft("hello")
	if err := s.SendMessage(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	st := s.State()
	if st.Draft != "" {
		t.Fatalf("expected draft cleared, got %q", st.Draft)
	}
	if len(st.Selected.Messages) != 2 || st.Selected.Messages[1].Msg != "hello" || st.Selected.Messages[1].MsgFrom != "alice" {
		t.Fatalf("unexpected selected chat %+v", st.Selected)
	}
}

func TestSendMessageFailureKeepsDraft(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("c1", "alice", "bob"))
	s := startSession(t, "alice", api, &fakeSocket{})
	if err := s.SelectChat(context.Background(), "c1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	s.SetDraft("hello")
	api.failNext = &APIError{Status: 500, Msg: "boom"}
	var apiErr *APIError
	if err := s.SendMessage(context.Background()); !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	st := s.State()
	if st.Draft != "hello" || len(st.Selected.Messages) != 0 {
		t.Fatalf("failed send must not change state: %+v", st)
	}
}

func TestNewMessageReplacesOnlySelectedChat(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("c1", "alice", "bob"))
	sock := &fakeSocket{}
	s := startSession(t, "alice", api, sock)
	if err := s.SelectChat(context.Background(), "c1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	sock.emit(proto.ChatUpdate{Type: "newMessage", Chat: withMessages(chatOf("other", "alice", "carol"), "x")})
	if n := len(s.State().Selected.Messages); n != 0 {
		t.Fatalf("update for another chat applied")
	}

	bodies := []string{"m1", "m2", "m3"}
	for i := range bodies {
		sock.emit(proto.ChatUpdate{Type: "newMessage", Chat: withMessages(chatOf("c1", "alice", "bob"), bodies[:i+1]...)})
	}
	msgs := s.State().Selected.Messages
	if len(msgs) != len(bodies) {
		t.Fatalf("expected %d messages, got %d", len(bodies), len(msgs))
	}
	for i, m := range msgs {
		if m.Msg != bodies[i] {
			t.Fatalf("message %d: got %q want %q", i, m.Msg, bodies[i])
		}
	}
}

func TestNewParticipantUpdatesOrPrepends(t *testing.T) {
	api := newFakeAPI()
	api.list = []proto.Chat{chatOf("c2", "carol", "dave"), chatOf("c1", "alice", "bob")}
	sock := &fakeSocket{}
	s := startSession(t, "carol", api, sock)

	// Existing entry is updated in place.
	sock.emit(proto.ChatUpdate{Type: "newParticipant", Chat: chatOf("c2", "carol", "dave", "erin")})
	// carol gains a chat she was just added to.
	sock.emit(proto.ChatUpdate{Type: "newParticipant", Chat: chatOf("c3", "alice", "bob", "carol")})
	// Not a participant: ignored.
	sock.emit(proto.ChatUpdate{Type: "newParticipant", Chat: chatOf("c4", "alice", "bob", "frank")})

	st := s.State()
	if got := chatIDs(st.Chats); !equalStrings(got, []string{"c3", "c2", "c1"}) {
		t.Fatalf("unexpected chats %v", got)
	}
	if !equalStrings(st.Chats[1].Participants, []string{"carol", "dave", "erin"}) {
		t.Fatalf("entry not updated in place: %v", st.Chats[1].Participants)
	}
}

func TestCreateChat(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("c1", "alice", "carol"))
	sock := &fakeSocket{}
	s := startSession(t, "alice", api, sock)

	if err := s.CreateChat(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}

	if err := s.SelectChat(context.Background(), "c1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	s.SetCreatePanelOpen(true)
	s.SelectUser("bob")
	if err := s.CreateChat(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}

	st := s.State()
	if st.Selected == nil || st.Selected.ID != "new-1" || !equalStrings(st.Selected.Participants, []string{"alice", "bob"}) {
		t.Fatalf("unexpected selection %+v", st.Selected)
	}
	if st.PendingTarget != "" || st.CreatePanelOpen {
		t.Fatalf("expected target cleared and panel closed: %+v", st)
	}
	want := []string{"subscribe", "join c1", "leave c1", "join new-1"}
	if got := sock.history(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	// The broadcast for our own chat must not duplicate the entry.
	sock.emit(proto.ChatUpdate{Type: "created", Chat: *st.Selected})
	if got := chatIDs(s.State().Chats); !equalStrings(got, []string{"new-1"}) {
		t.Fatalf("unexpected chats %v", got)
	}
}

func TestUnknownUpdateIsFatal(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("c1", "alice", "bob"))
	sock := &fakeSocket{}
	s := startSession(t, "alice", api, sock)
	if err := s.SelectChat(context.Background(), "c1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	sock.emit(proto.ChatUpdate{Type: "deleted", Chat: chatOf("c1", "alice", "bob")})

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session not torn down")
	}
	if !errors.Is(s.Err(), ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", s.Err())
	}
	want := []string{"subscribe", "join c1", "unsubscribe", "leave c1"}
	if got := sock.history(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCloseRunsOnceAndBlocksLateFetches(t *testing.T) {
	api := newFakeAPI()
	api.put(chatOf("c1", "alice", "bob"))
	api.put(chatOf("c2", "alice", "carol"))
	sock := &fakeSocket{}
	var changes int
	var mu sync.Mutex
	s := startSession(t, "alice", api, sock, WithOnChange(func(State) {
		mu.Lock()
		changes++
		mu.Unlock()
	}))
	if err := s.SelectChat(context.Background(), "c1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	gate := api.gate("c2")
	errCh := make(chan error, 1)
	go func() { errCh <- s.SelectChat(context.Background(), "c2") }()
	deadline := time.Now().Add(2 * time.Second)
	for api.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("fetch never started")
		}
		time.Sleep(time.Millisecond)
	}

	s.Close()
	s.Close()
	mu.Lock()
	before := changes
	mu.Unlock()

	close(gate)
	if err := <-errCh; err != nil {
		t.Fatalf("late select: %v", err)
	}
	sock.emit(proto.ChatUpdate{Type: "created", Chat: chatOf("c9", "alice", "bob")})

	mu.Lock()
	after := changes
	mu.Unlock()
	if after != before {
		t.Fatalf("state changed after close")
	}
	if sel := s.State().Selected; sel == nil || sel.ID != "c1" {
		t.Fatalf("late fetch applied: %+v", sel)
	}
	want := []string{"subscribe", "join c1", "unsubscribe", "leave c1"}
	if got := sock.history(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if s.Err() != nil {
		t.Fatalf("clean close must not record an error: %v", s.Err())
	}
	if err := s.SelectChat(context.Background(), "c1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
