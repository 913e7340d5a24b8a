package core

import "errors"

// Error codes for connection-scoped errors.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeInternal           = "internal_error"
)

var (
	// ErrHubClosed is returned once the hub loop has stopped.
	ErrHubClosed = errors.New("hub closed")
	// ErrUnknownClient is returned for operations on a client that is not registered.
	ErrUnknownClient = errors.New("client not registered")
	ErrBadRequest    = errors.New("bad request")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

// NewError builds a CoreError.
func NewError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
