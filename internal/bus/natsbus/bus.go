// Package natsbus carries chat updates between server instances over NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// DefaultSubject is the subject prefix updates are published under.
const DefaultSubject = "wirechat.updates"

// Bus publishes chat updates to NATS and feeds received updates to a local
// publisher, usually the hub. Every instance, including the sender, receives
// each update through its subscription.
type Bus struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger
	sub     *nats.Subscription
	owned   bool
}

// Connect dials url and returns a bus that owns the connection.
func Connect(url, subject string, logger *zerolog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("wirechat-sync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b := New(nc, subject, logger)
	b.owned = true
	return b, nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, subject string, logger *zerolog.Logger) *Bus {
	if subject == "" {
		subject = DefaultSubject
	}
	b := &Bus{nc: nc, subject: subject, log: zerolog.Nop()}
	if logger != nil {
		b.log = logger.With().Str("component", "natsbus").Logger()
	}
	return b
}

// Publish sends update to <subject>.<kind>.
func (b *Bus) Publish(ctx context.Context, update core.ChatUpdate) error {
	if _, err := core.Classify(update.Kind, update.Chat); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(proto.EncodeUpdate(update))
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := b.nc.Publish(b.subject+"."+update.Kind.String(), data); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// Subscribe delivers every update on the bus to local. Messages that do not
// decode are logged and dropped.
func (b *Bus) Subscribe(local core.Publisher) error {
	if b.sub != nil {
		return errors.New("natsbus: already subscribed")
	}
	sub, err := b.nc.Subscribe(b.subject+".>", func(msg *nats.Msg) {
		var wire proto.ChatUpdate
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("drop undecodable update")
			return
		}
		update, err := proto.DecodeUpdate(wire)
		if err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("drop invalid update")
			return
		}
		if err := local.Publish(context.Background(), update); err != nil {
			b.log.Warn().Err(err).Str("chat_id", update.Chat.ID).Msg("deliver update locally")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	return b.nc.Flush()
}

// Close drops the subscription and, when the bus owns it, the connection.
func (b *Bus) Close() error {
	var err error
	if b.sub != nil {
		err = b.sub.Unsubscribe()
		b.sub = nil
	}
	if b.owned {
		b.nc.Close()
	}
	return err
}
