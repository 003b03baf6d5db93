package client

import "time"

// Config controls how the client connects and reconnects.
type Config struct {
	URL      string
	UserID   string
	Username string
	Token    string // HMAC user signature, when the server requires one

	HandshakeTimeout time.Duration // dial plus auth
	ReadTimeout      time.Duration // silence tolerated before the link is considered dead
	WriteTimeout     time.Duration
	JoinTimeout      time.Duration // wait for room-joined

	ReconnectInterval time.Duration // first backoff step
	MaxReconnectDelay time.Duration // backoff cap
	MaxReconnectTries int           // per outage, including the initial connect

	Policy     Policy // what the dispatcher does with events for inactive rooms
	QueueLimit int    // per room, for Policy Queue
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       90 * time.Second,
		WriteTimeout:      10 * time.Second,
		JoinTimeout:       5 * time.Second,
		ReconnectInterval: 500 * time.Millisecond,
		MaxReconnectDelay: 30 * time.Second,
		MaxReconnectTries: 10,
		Policy:            Discard,
		QueueLimit:        100,
	}
}
