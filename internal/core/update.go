package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// UpdateKind classifies a chat update. The set is closed.
type UpdateKind int

const (
	// UpdateCreated announces a new chat on the shared channel.
	UpdateCreated UpdateKind = iota
	// UpdateNewMessage is delivered to the chat's room only.
	UpdateNewMessage
	// UpdateNewParticipant announces a membership change on the shared channel.
	UpdateNewParticipant
)

// ErrInvalidUpdate is returned for an unknown kind or an incomplete snapshot.
var ErrInvalidUpdate = errors.New("invalid chat update")

var updateKindNames = [...]string{
	UpdateCreated:        "created",
	UpdateNewMessage:     "newMessage",
	UpdateNewParticipant: "newParticipant",
}

// Valid reports whether k is one of the declared kinds.
func (k UpdateKind) Valid() bool {
	return k >= UpdateCreated && k <= UpdateNewParticipant
}

func (k UpdateKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
	return updateKindNames[k]
}

// Shared reports whether updates of this kind go to every connection
// rather than to the chat's room.
func (k UpdateKind) Shared() bool {
	return k == UpdateCreated || k == UpdateNewParticipant
}

// ParseUpdateKind maps a wire name back to its kind.
func ParseUpdateKind(s string) (UpdateKind, error) {
	for i, name := range updateKindNames {
		if name == s {
			return UpdateKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidUpdate, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k UpdateKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidUpdate, int(k))
	}
	return []byte(updateKindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *UpdateKind) UnmarshalText(text []byte) error {
	parsed, err := ParseUpdateKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ChatUpdate is a change notification carrying the full populated chat.
type ChatUpdate struct {
	Kind UpdateKind
	Chat *store.PopulatedChat
}

// Classify builds the update for a mutation result.
func Classify(kind UpdateKind, chat *store.PopulatedChat) (ChatUpdate, error) {
	if !kind.Valid() {
		return ChatUpdate{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidUpdate, int(kind))
	}
	if chat == nil || chat.ID == "" {
		return ChatUpdate{}, fmt.Errorf("%w: missing chat snapshot", ErrInvalidUpdate)
	}
	return ChatUpdate{Kind: kind, Chat: chat}, nil
}

// Publisher fans a chat update out to connected clients.
type Publisher interface {
	Publish(ctx context.Context, update ChatUpdate) error
}
