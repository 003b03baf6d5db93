package types

import (
	"encoding/json"
	"time"
)

// Control frame names exchanged over the socket.
const (
	FrameAuth          = "auth"
	FrameAuthenticated = "authenticated"
	FrameJoinRoom      = "join-room"
	FrameRoomJoined    = "room-joined"
	FrameLeaveRoom     = "leave-room"
	FrameError         = "error"
)

// Frame is the envelope for everything sent over a connection in either
// direction: a named event plus its JSON data.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Room is set on outbound room-scoped frames so the write pump can drop
	// frames for rooms the connection has left. Never serialized.
	Room *RoomKey `json:"-"`
}

// NewFrame marshals data into a frame.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// AuthPayload is the data of an auth frame.
type AuthPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// AuthenticatedPayload acknowledges a successful auth frame.
type AuthenticatedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
}

// RoomPayload is the data of join-room, leave-room and room-joined frames.
type RoomPayload struct {
	RoomType RoomType `json:"room_type"`
	RoomID   RoomID   `json:"room_id"`
}

// Key returns the room key carried by the payload.
func (p RoomPayload) Key() RoomKey {
	return RoomKey{Type: p.RoomType, ID: string(p.RoomID)}
}

// ClientInfo holds metadata about a connected client.
type ClientInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	Rooms         []string  `json:"rooms"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// KeepaliveConn is implemented by transports that support ping frames and
// deadlines. Conns without it run without keepalive.
type KeepaliveConn interface {
	Conn
	Ping(deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
}
