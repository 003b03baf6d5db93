// Package hubtest provides an in-memory connection and helpers for tests
// that drive a hub without a real WebSocket.
package hubtest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/roomcast/src/hub"
	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/stretchr/testify/require"
)

// ErrClosed is returned by a closed Conn.
var ErrClosed = errors.New("connection closed")

// Conn implements types.Conn over channels.
type Conn struct {
	mu       sync.Mutex
	written  []types.Frame
	readCh   chan types.Frame
	closed   bool
	closedCh chan struct{}
}

// NewConn creates an open in-memory connection.
func NewConn() *Conn {
	return &Conn{
		readCh:   make(chan types.Frame, 64),
		closedCh: make(chan struct{}),
	}
}

func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	f, ok := v.(types.Frame)
	if !ok {
		return fmt.Errorf("unexpected write %T", v)
	}
	c.written = append(c.written, f)
	return nil
}

func (c *Conn) ReadJSON(v any) error {
	select {
	case f := <-c.readCh:
		if ptr, ok := v.(*types.Frame); ok {
			*ptr = f
		}
		return nil
	case <-c.closedCh:
		return ErrClosed
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// Push feeds a frame to the hub as if the client had sent it.
func (c *Conn) Push(f types.Frame) { c.readCh <- f }

// Events returns the frames written to the client with the given name.
func (c *Conn) Events(event string) []types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Frame
	for _, f := range c.written {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Frame builds a frame or fails the test.
func Frame(t testing.TB, event string, data any) types.Frame {
	t.Helper()
	f, err := types.NewFrame(event, data)
	require.NoError(t, err)
	return f
}

// Connect registers an authenticated client on h with both pumps running.
func Connect(t testing.TB, h *hub.Hub, id, user string) (*hub.Client, *Conn) {
	t.Helper()
	conn := NewConn()
	client := hub.NewClient(id, conn, h)
	require.NoError(t, h.Register(client))
	go client.WritePump()
	go client.ReadPump()

	conn.Push(Frame(t, types.FrameAuth, types.AuthPayload{UserID: user, Username: user}))
	require.Eventually(t, func() bool {
		return len(conn.Events(types.FrameAuthenticated)) == 1
	}, time.Second, 5*time.Millisecond)
	return client, conn
}

// Join subscribes the client behind conn to key and waits for the ack.
func Join(t testing.TB, conn *Conn, key types.RoomKey) {
	t.Helper()
	before := len(conn.Events(types.FrameRoomJoined))
	conn.Push(Frame(t, types.FrameJoinRoom, types.RoomPayload{RoomType: key.Type, RoomID: types.RoomID(key.ID)}))
	require.Eventually(t, func() bool {
		return len(conn.Events(types.FrameRoomJoined)) == before+1
	}, time.Second, 5*time.Millisecond)
}
