package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// WSSocket implements Socket over the server's WebSocket endpoint.
type WSSocket struct {
	conn *websocket.Conn
	user string
	log  *zerolog.Logger

	mu       sync.Mutex
	handlers map[int]func(proto.ChatUpdate)
	nextID   int
	err      error

	done chan struct{}
}

// DialSocket connects to wsURL (e.g. ws://localhost:8080/ws), sends hello and
// waits for the server's ready acknowledgement. A rejected hello is returned
// as a *proto.Error.
func DialSocket(ctx context.Context, wsURL string, hello proto.HelloData, logger *zerolog.Logger) (*WSSocket, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	if hello.Protocol == 0 {
		hello.Protocol = proto.ProtocolVersion
	}
	if err := writeInbound(ctx, conn, proto.InboundTypeHello, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}

	var frame proto.Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("read ready: %w", err)
	}
	if frame.Type == proto.OutboundTypeError && frame.Error != nil {
		conn.Close(websocket.StatusNormalClosure, "rejected")
		return nil, frame.Error
	}
	if frame.Event != proto.EventReady {
		conn.Close(websocket.StatusProtocolError, "expected ready")
		return nil, fmt.Errorf("%w: expected ready, got %q", ErrProtocolViolation, frame.Event)
	}
	var ready proto.ReadyData
	if err := json.Unmarshal(frame.Data, &ready); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad ready")
		return nil, fmt.Errorf("decode ready: %w", err)
	}

	s := &WSSocket{
		conn:     conn,
		user:     ready.User,
		log:      log.OrNop(logger),
		handlers: make(map[int]func(proto.ChatUpdate)),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// User is the identity the server assigned in its ready acknowledgement.
func (s *WSSocket) User() string {
	return s.user
}

// Subscribe registers handler for chat updates.
func (s *WSSocket) Subscribe(handler func(proto.ChatUpdate)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *WSSocket) Join(ctx context.Context, chatID string) error {
	return writeInbound(ctx, s.conn, proto.InboundTypeJoinChat, proto.ChatData{ChatID: chatID})
}

func (s *WSSocket) Leave(ctx context.Context, chatID string) error {
	return writeInbound(ctx, s.conn, proto.InboundTypeLeaveChat, proto.ChatData{ChatID: chatID})
}

// Done is closed when the connection ends.
func (s *WSSocket) Done() <-chan struct{} {
	return s.done
}

// Err returns why the connection ended.
func (s *WSSocket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the connection.
func (s *WSSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (s *WSSocket) readLoop() {
	defer close(s.done)
	for {
		var frame proto.Frame
		if err := wsjson.Read(context.Background(), s.conn, &frame); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.log.Debug().Err(err).Msg("socket closed")
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}

		switch {
		case frame.Type == proto.OutboundTypeError && frame.Error != nil:
			s.log.Warn().Str("code", frame.Error.Code).Str("msg", frame.Error.Msg).Msg("server error")
		case frame.Event == proto.EventChatUpdate:
			var update proto.ChatUpdate
			if err := json.Unmarshal(frame.Data, &update); err != nil {
				err = fmt.Errorf("%w: undecodable chat update: %v", ErrProtocolViolation, err)
				s.log.Warn().Err(err).Msg("closing socket")
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				// An untyped update makes subscribers fail the same way.
				s.dispatch(proto.ChatUpdate{})
				s.conn.Close(websocket.StatusUnsupportedData, "undecodable chat update")
				return
			}
			s.dispatch(update)
		}
	}
}

func (s *WSSocket) dispatch(update proto.ChatUpdate) {
	s.mu.Lock()
	handlers := make([]func(proto.ChatUpdate), 0, len(s.handlers))
	for i := 0; i < s.nextID; i++ {
		if h, ok := s.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(update)
	}
}

func writeInbound(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}
