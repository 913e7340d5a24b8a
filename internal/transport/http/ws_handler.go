package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/utils"
)

var errEvicted = errors.New("events closed by hub")

// closeError carries the close status for a rejected handshake.
type closeError struct {
	status websocket.StatusCode
	reason string
}

func (e *closeError) Error() string {
	return e.reason
}

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub  *core.Hub
	auth *auth.Service
	cfg  *config.Config
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler. authService may be nil.
func NewWSHandler(hub *core.Hub, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, auth: authService, cfg: cfg, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	user, err := h.handshake(ctx, conn)
	if err != nil {
		var ce *closeError
		if errors.As(err, &ce) {
			conn.Close(ce.status, ce.reason)
			return
		}
		h.log.Debug().Err(err).Msg("ws handshake failed")
		return
	}

	client := core.NewClient(utils.NewID(), user, 0)
	h.hub.RegisterClient(client)
	defer h.hub.UnregisterClient(client)

	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventReady,
		Data:  proto.ReadyData{User: user, Protocol: proto.ProtocolVersion},
	}); err != nil {
		h.log.Debug().Err(err).Str("client_id", client.ID).Msg("write ready")
		return
	}
	h.log.Info().Str("client_id", client.ID).Str("user", user).Msg("ws client connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status, reason := closeStatus(err)
	if status != websocket.StatusNormalClosure {
		h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
	} else {
		h.log.Info().Str("client_id", client.ID).Msg("ws client disconnected")
	}
	conn.Close(status, reason)
}

// handshake reads the hello frame and resolves the connection identity.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	helloCtx := ctx
	if h.cfg.HelloTimeout > 0 {
		var cancel context.CancelFunc
		helloCtx, cancel = context.WithTimeout(ctx, h.cfg.HelloTimeout)
		defer cancel()
	}

	var inbound proto.Inbound
	if err := wsjson.Read(helloCtx, conn, &inbound); err != nil {
		return "", err
	}

	reject := func(code, msg string, status websocket.StatusCode) (string, error) {
		_ = wsjson.Write(ctx, conn, errorOutbound(code, msg))
		return "", &closeError{status: status, reason: code}
	}

	if inbound.Type != proto.InboundTypeHello {
		return reject(core.ErrCodeBadRequest, "hello required", websocket.StatusPolicyViolation)
	}
	var hello proto.HelloData
	if err := json.Unmarshal(inbound.Data, &hello); err != nil {
		return reject(core.ErrCodeBadRequest, "invalid hello", websocket.StatusPolicyViolation)
	}
	if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
		return reject(core.ErrCodeUnsupportedVersion, "unsupported protocol version", websocket.StatusPolicyViolation)
	}

	user := strings.TrimSpace(hello.User)
	authenticated := false
	if hello.Token != "" && h.auth != nil && h.auth.TokensEnabled() {
		claims, err := h.auth.ValidateToken(hello.Token)
		if err != nil {
			h.log.Debug().Err(err).Msg("ws token rejected")
			return reject(core.ErrCodeUnauthorized, "invalid token", websocket.StatusPolicyViolation)
		}
		user = claims.Username
		authenticated = true
	}
	if h.cfg.RequireAuth && !authenticated {
		return reject(core.ErrCodeUnauthorized, "token required", websocket.StatusPolicyViolation)
	}
	if user == "" {
		return reject(core.ErrCodeBadRequest, "user is required", websocket.StatusPolicyViolation)
	}
	return user, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	limiter := newRateLimiter(h.cfg.InboundRatePerSecond, h.cfg.InboundBurst)
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if err := h.dispatch(ctx, conn, client, limiter, inbound); err != nil {
			return err
		}
	}
}

func (h *WSHandler) dispatch(ctx context.Context, conn *websocket.Conn, client *core.Client, limiter *rate.Limiter, inbound proto.Inbound) error {
	if !allow(limiter) {
		return wsjson.Write(ctx, conn, errorOutbound(core.ErrCodeRateLimited, "too many messages"))
	}

	cmd, protoErr := inboundToCommand(inbound)
	if protoErr != nil {
		return wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: protoErr})
	}

	select {
	case client.Commands <- cmd:
		return nil
	case <-client.Gone():
		return errEvicted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		select {
		case event, ok := <-client.Events:
			if !ok {
				return errEvicted
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		return websocket.StatusNormalClosure, "closing"
	case errors.Is(err, errEvicted):
		return websocket.StatusTryAgainLater, "dropped by server"
	}
	switch s := websocket.CloseStatus(err); s {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return websocket.StatusNormalClosure, "closing"
	case websocket.StatusMessageTooBig:
		return websocket.StatusMessageTooBig, "message too big"
	}
	return websocket.StatusInternalError, "internal error"
}
