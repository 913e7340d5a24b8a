package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is wrapped by every lookup that finds no matching row.
var ErrNotFound = errors.New("not found")

// User represents a registered user in the system.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// UserRef is the display-relevant projection of a user attached to populated entities.
type UserRef struct {
	ID       int64
	Username string
}

// MessageType discriminates the channel a message belongs to.
// It is stored for forward compatibility and never used for routing.
type MessageType string

const (
	MessageTypeDirect MessageType = "direct"
)

// Message is a free-standing authored text entry. It exists before being
// linked into a chat's log.
type Message struct {
	ID        string
	Body      string
	Author    string
	Type      MessageType
	CreatedAt time.Time
}

// Chat is the raw persisted chat: participants and ordered message references.
type Chat struct {
	ID           string
	Participants []string
	MessageIDs   []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PopulatedMessage is a message enriched with its author's user record.
type PopulatedMessage struct {
	Message
	User *UserRef
}

// PopulatedChat is a full chat snapshot safe to hand to clients.
type PopulatedChat struct {
	ID           string
	Participants []string
	Messages     []PopulatedMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether username is in the chat's participant set.
func (c *PopulatedChat) HasParticipant(username string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// SearchUsers searches for users by username substring.
	SearchUsers(ctx context.Context, query string) ([]*User, error)
}

// ChatStore is the persistence gateway for chats and messages. It guarantees
// append order within one chat and nothing else.
type ChatStore interface {
	// CreateMessage assigns msg.ID and persists the message unlinked.
	CreateMessage(ctx context.Context, msg *Message) error

	// CreateChat creates a chat whose log references already-created messages.
	CreateChat(ctx context.Context, participants []string, messageIDs []string) (*Chat, error)

	// GetChat retrieves the raw chat.
	GetChat(ctx context.Context, id string) (*Chat, error)

	// AddMessageToChat appends an existing message to the chat's log.
	AddMessageToChat(ctx context.Context, chatID, messageID string) (*Chat, error)

	// AddParticipant inserts username into the chat's participant set.
	AddParticipant(ctx context.Context, chatID, username string) (*Chat, error)

	// ListChatsByParticipant lists chats containing username, most recently updated first.
	ListChatsByParticipant(ctx context.Context, username string) ([]*Chat, error)

	// PopulateChat loads the chat with its messages and their authors resolved.
	PopulateChat(ctx context.Context, chatID string) (*PopulatedChat, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ChatStore

	// Close closes the underlying database connection.
	Close() error
}
