package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/service/chat"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
)

const testSecret = "test-secret"

type testEnv struct {
	ts    *httptest.Server
	hub   *core.Hub
	store *sqlite.SQLiteStore
	auth  *auth.Service
	cfg   config.Config
}

// newTestEnv starts a full server on an in-memory store with users alice, bob and carol.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.JWTSecret = testSecret
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := st.CreateUser(context.Background(), name, "hash"); err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
	}

	disabledLogger := zerolog.Nop()
	reg := prometheus.NewRegistry()

	var opts []core.HubOption
	if cfg.ParticipantScopedUpdates {
		opts = append(opts, core.WithParticipantScopedUpdates())
	}
	hub := core.NewHub(&disabledLogger, core.NewMetrics(reg), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	})

	server := NewServer(Deps{
		Hub:     hub,
		Chats:   chat.New(st, hub, &disabledLogger),
		Auth:    authService,
		Users:   st,
		Metrics: reg,
	}, &cfg, &disabledLogger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	return &testEnv{ts: ts, hub: hub, store: st, auth: authService, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ts.Config.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func (e *testEnv) createChat(t *testing.T, participants ...string) proto.Chat {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/chat/createChat", proto.CreateChatRequest{Participants: participants}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create chat: status %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody[proto.Chat](t, rec)
}

// wsPeer is a test WebSocket client whose frames are read in the background.
type wsPeer struct {
	conn   *websocket.Conn
	frames chan proto.Frame
	closed chan error
}

func (e *testEnv) dial(t *testing.T) *wsPeer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := &wsPeer{conn: conn, frames: make(chan proto.Frame, 64), closed: make(chan error, 1)}
	go func() {
		for {
			var f proto.Frame
			if err := wsjson.Read(context.Background(), conn, &f); err != nil {
				p.closed <- err
				close(p.frames)
				return
			}
			p.frames <- f
		}
	}()
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return p
}

func (p *wsPeer) send(t *testing.T, typ string, data any) {
	t.Helper()

	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, p.conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func (p *wsPeer) hello(t *testing.T, hello proto.HelloData) proto.Frame {
	t.Helper()

	p.send(t, proto.InboundTypeHello, hello)
	return p.next(t)
}

func (p *wsPeer) next(t *testing.T) proto.Frame {
	t.Helper()

	select {
	case f, ok := <-p.frames:
		if !ok {
			t.Fatalf("connection closed: %v", <-p.closed)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame received")
	}
	return proto.Frame{}
}

func decodeFrame[T any](t *testing.T, f proto.Frame) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("decode frame data %s: %v", f.Data, err)
	}
	return v
}

func (p *wsPeer) nextUpdate(t *testing.T) proto.ChatUpdate {
	t.Helper()

	f := p.next(t)
	if f.Type != proto.OutboundTypeEvent || f.Event != proto.EventChatUpdate {
		t.Fatalf("expected chatUpdate event, got %+v", f)
	}
	return decodeFrame[proto.ChatUpdate](t, f)
}

func (p *wsPeer) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case f, ok := <-p.frames:
		if ok {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(wait):
	}
}

func (p *wsPeer) expectClosed(t *testing.T) websocket.StatusCode {
	t.Helper()

	select {
	case err := <-p.closed:
		return websocket.CloseStatus(err)
	case <-time.After(2 * time.Second):
		t.Fatalf("connection was not closed")
	}
	return 0
}

func waitRoomSize(t *testing.T, hub *core.Hub, room string, size int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomSize(room) != size {
		if time.Now().After(deadline) {
			t.Fatalf("room %s never reached size %d", room, size)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
