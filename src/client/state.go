package client

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	// StateDisconnected means the client has never connected.
	StateDisconnected ConnectionState = iota

	// StateConnecting means the first connection attempt is in progress.
	StateConnecting

	// StateReady means the transport is up and the auth handshake completed.
	StateReady

	// StateReconnecting means the link dropped and backoff is running.
	StateReconnecting

	// StateError means connecting failed for good: auth was rejected or
	// every attempt was used up.
	StateError

	// StateClosed means the client was explicitly disconnected.
	StateClosed
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}
