package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when sending while not ready.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a live manager.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrUnauthorized is returned when the server rejects the auth frame.
	// It is terminal: the manager does not retry.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrReconnectExhausted is reported once every attempt has failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrInvalidConfig is returned for unusable configuration.
	ErrInvalidConfig = errors.New("invalid config")
)

// HTTPError is a non-2xx response from the REST API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
