package chat

import (
	"errors"
	"fmt"
)

// Kind classifies a chat service failure.
type Kind int

const (
	// KindValidation is a malformed request; nothing reached the gateway.
	KindValidation Kind = iota + 1
	// KindGateway is a failed persistence call.
	KindGateway
	// KindPopulate is a failure to build the populated snapshot.
	KindPopulate
)

// Client-facing messages.
const (
	MsgInvalidCreateChat     = "Invalid create chat request"
	MsgInvalidAddMessage     = "Invalid add message request"
	MsgInvalidAddParticipant = "Invalid request body. Missing chatId or participant"
	MsgInvalidListChats      = "Invalid request. Missing username"

	prefixCreateChat     = "Error creating a chat"
	prefixAddMessage     = "Error adding message to the chat"
	prefixAddParticipant = "Error adding participant to chat"
	prefixGetChat        = "Error retrieving chat"

	MsgPopulateChats = prefixGetChat + ": Failed populating the chats"
)

// Error is returned by every Service operation. Msg is safe to show to callers.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a client error.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindValidation
}

func invalid(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func failure(kind Kind, prefix string, cause error) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf("%s: %v", prefix, cause), Err: cause}
}
