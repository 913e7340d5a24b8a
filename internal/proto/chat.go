package proto

import (
	"fmt"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// User is the author projection attached to populated messages.
type User struct {
	ID       int64  `json:"_id"`
	Username string `json:"username"`
}

// Message is a populated chat message.
type Message struct {
	ID      string    `json:"_id"`
	Msg     string    `json:"msg"`
	MsgFrom string    `json:"msgFrom"`
	SentAt  time.Time `json:"msgDateTime"`
	Type    string    `json:"type"`
	User    *User     `json:"user,omitempty"`
}

// Chat is the populated chat snapshot every response and update carries.
type Chat struct {
	ID           string    `json:"_id"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasParticipant reports whether username is in the chat's participant set.
func (c *Chat) HasParticipant(username string) bool {
	for _, p := range c.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// ChatUpdate is the data of a chatUpdate event. Type stays a string so a
// receiver can detect kinds it does not know.
type ChatUpdate struct {
	Type string `json:"type"`
	Chat Chat   `json:"chat"`
}

// MessagePayload is a message as submitted over REST.
type MessagePayload struct {
	Msg         string     `json:"msg"`
	MsgFrom     string     `json:"msgFrom"`
	MsgDateTime *time.Time `json:"msgDateTime,omitempty"`
}

// CreateChatRequest is the body of POST /chat/createChat.
type CreateChatRequest struct {
	Participants []string         `json:"participants"`
	Messages     []MessagePayload `json:"messages,omitempty"`
}

// AddParticipantRequest is the body of POST /chat/:chatId/addParticipant.
type AddParticipantRequest struct {
	Participant string `json:"participant"`
}

// FromPopulatedChat converts a store snapshot to its wire form.
func FromPopulatedChat(c *store.PopulatedChat) Chat {
	chat := Chat{
		ID:           c.ID,
		Participants: append([]string{}, c.Participants...),
		Messages:     make([]Message, 0, len(c.Messages)),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, m := range c.Messages {
		msg := Message{
			ID:      m.ID,
			Msg:     m.Body,
			MsgFrom: m.Author,
			SentAt:  m.CreatedAt,
			Type:    string(m.Type),
		}
		if m.User != nil {
			msg.User = &User{ID: m.User.ID, Username: m.User.Username}
		}
		chat.Messages = append(chat.Messages, msg)
	}
	return chat
}

// ToPopulated converts a wire chat back to the store snapshot.
func (c Chat) ToPopulated() *store.PopulatedChat {
	chat := &store.PopulatedChat{
		ID:           c.ID,
		Participants: append([]string{}, c.Participants...),
		Messages:     make([]store.PopulatedMessage, 0, len(c.Messages)),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, m := range c.Messages {
		msg := store.PopulatedMessage{Message: store.Message{
			ID:        m.ID,
			Body:      m.Msg,
			Author:    m.MsgFrom,
			Type:      store.MessageType(m.Type),
			CreatedAt: m.SentAt,
		}}
		if m.User != nil {
			msg.User = &store.UserRef{ID: m.User.ID, Username: m.User.Username}
		}
		chat.Messages = append(chat.Messages, msg)
	}
	return chat
}

// EncodeUpdate converts a hub update to its wire form.
func EncodeUpdate(u core.ChatUpdate) ChatUpdate {
	return ChatUpdate{Type: u.Kind.String(), Chat: FromPopulatedChat(u.Chat)}
}

// DecodeUpdate converts a wire update back to a hub update.
func DecodeUpdate(u ChatUpdate) (core.ChatUpdate, error) {
	kind, err := core.ParseUpdateKind(u.Type)
	if err != nil {
		return core.ChatUpdate{}, err
	}
	update, err := core.Classify(kind, u.Chat.ToPopulated())
	if err != nil {
		return core.ChatUpdate{}, fmt.Errorf("decode update: %w", err)
	}
	return update, nil
}
