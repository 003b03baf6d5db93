package types

import (
	"errors"
	"fmt"
)

// Protocol error codes carried in error frames.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeUnknownEvent = "unknown_event"
	CodeInvalidRoom  = "invalid_room"
	CodeRateLimited  = "rate_limited"
	CodeNotInRoom    = "not_in_room"
	CodeInternal     = "internal_error"
)

// Error is a protocol error. It is both the data of an error frame and a Go
// error returned by the broker.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Event is the frame that caused the error, when known.
	Event string `json:"event,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Event != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Event)
	}
	return e.Code + ": " + e.Message
}

// Is matches protocol errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a protocol error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrorCode extracts the protocol code from err, or CodeInternal.
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}
