package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orchestra-mcp/roomcast/src/auth"
	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu       sync.Mutex
	written  []types.Frame
	readCh   chan types.Frame
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan types.Frame, 64),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &closeError{}
	}
	f, ok := v.(types.Frame)
	if !ok {
		return fmt.Errorf("unexpected write %T", v)
	}
	m.written = append(m.written, f)
	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	select {
	case f := <-m.readCh:
		if ptr, ok := v.(*types.Frame); ok {
			*ptr = f
		}
		return nil
	case <-m.closedCh:
		return &closeError{}
	}
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// events returns the written frames named event.
func (m *mockConn) events(event string) []types.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Frame
	for _, f := range m.written {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type closeError struct{}

func (e *closeError) Error() string { return "connection closed" }

func newTestHub(t *testing.T, mutate ...func(*Options)) *Hub {
	t.Helper()
	opts := DefaultOptions()
	opts.PublishRate = 0
	for _, fn := range mutate {
		fn(&opts)
	}
	h := New(zerolog.Nop(), opts)
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func frame(t *testing.T, event string, data any) types.Frame {
	t.Helper()
	f, err := types.NewFrame(event, data)
	require.NoError(t, err)
	return f
}

// connectClient registers a client, starts both pumps and authenticates it.
func connectClient(t *testing.T, h *Hub, id, user string) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := NewClient(id, conn, h)
	require.NoError(t, h.Register(client))
	go client.WritePump()
	go client.ReadPump()

	conn.readCh <- frame(t, types.FrameAuth, types.AuthPayload{UserID: user, Username: user})
	require.Eventually(t, func() bool {
		return len(conn.events(types.FrameAuthenticated)) == 1
	}, time.Second, 5*time.Millisecond)
	return client, conn
}

func joinRoom(t *testing.T, conn *mockConn, key types.RoomKey) {
	t.Helper()
	before := len(conn.events(types.FrameRoomJoined))
	conn.readCh <- frame(t, types.FrameJoinRoom, types.RoomPayload{RoomType: key.Type, RoomID: types.RoomID(key.ID)})
	require.Eventually(t, func() bool {
		return len(conn.events(types.FrameRoomJoined)) == before+1
	}, time.Second, 5*time.Millisecond)
}

func leaveRoom(t *testing.T, h *Hub, conn *mockConn, id string, key types.RoomKey) {
	t.Helper()
	conn.readCh <- frame(t, types.FrameLeaveRoom, types.RoomPayload{RoomType: key.Type, RoomID: types.RoomID(key.ID)})
	require.Eventually(t, func() bool {
		return !h.Registry().IsMember(id, key)
	}, time.Second, 5*time.Millisecond)
}

func deleteFrame(t *testing.T, key types.RoomKey, messageID string) types.Frame {
	return frame(t, string(types.EventMessageDeleted), map[string]any{
		"message_id":  messageID,
		"target_type": key.Type,
		"target_id":   key.ID,
	})
}

func decodeData(t *testing.T, f types.Frame) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m
}

func TestHubRegisterAndUnregister(t *testing.T) {
	h := newTestHub(t)

	connectClient(t, h, "client-1", "u1")
	_, conn2 := connectClient(t, h, "client-2", "u2")
	assert.Len(t, h.ConnectedClients(), 2)

	info := h.ClientInfo("client-1")
	require.NotNil(t, info)
	assert.True(t, info.Authenticated)
	assert.Equal(t, "u1", info.UserID)

	conn2.Close()
	require.Eventually(t, func() bool { return h.ClientInfo("client-2") == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.ClientCount())
}

func TestRegisterRespectsConnectionLimit(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.MaxConnections = 1 })
	connectClient(t, h, "only", "u1")

	err := h.Register(NewClient("extra", newMockConn(), h))
	assert.ErrorIs(t, err, ErrHubFull)
}

func TestConcurrentRegisterHonorsLimit(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.MaxConnections = 5 })

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Register(NewClient(fmt.Sprintf("c%d", i), newMockConn(), h)) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), accepted.Load())
	assert.Equal(t, 5, h.ClientCount())
}

func TestRoomOperationsRequireAuth(t *testing.T) {
	h := newTestHub(t)
	conn := newMockConn()
	client := NewClient("anon", conn, h)
	require.NoError(t, h.Register(client))
	go client.WritePump()
	go client.ReadPump()

	conn.readCh <- frame(t, types.FrameJoinRoom, types.RoomPayload{RoomType: types.RoomChannel, RoomID: "1"})
	require.Eventually(t, func() bool { return len(conn.events(types.FrameError)) == 1 }, time.Second, 5*time.Millisecond)

	errFrame := decodeData(t, conn.events(types.FrameError)[0])
	assert.Equal(t, types.CodeUnauthorized, errFrame["code"])
	assert.Equal(t, types.FrameJoinRoom, errFrame["event"])
	assert.Empty(t, h.Subscribers(types.Channel("1")))
}

func TestAuthFailureClosesConnection(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.Auth = auth.Signed{Secrets: []string{"k"}} })
	conn := newMockConn()
	client := NewClient("bad", conn, h)
	require.NoError(t, h.Register(client))
	go client.WritePump()
	go client.ReadPump()

	conn.readCh <- frame(t, types.FrameAuth, types.AuthPayload{UserID: "u1", Token: "forged"})

	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	errs := conn.events(types.FrameError)
	require.Len(t, errs, 1, "the error frame is flushed before close")
	assert.Equal(t, types.CodeUnauthorized, decodeData(t, errs[0])["code"])
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestJoinAcknowledges(t *testing.T) {
	h := newTestHub(t)
	_, conn := connectClient(t, h, "c1", "u1")

	conn.readCh <- frame(t, types.FrameJoinRoom, json.RawMessage(`{"room_type":"channel","room_id":42}`))
	require.Eventually(t, func() bool { return len(conn.events(types.FrameRoomJoined)) == 1 }, time.Second, 5*time.Millisecond)

	ack := decodeData(t, conn.events(types.FrameRoomJoined)[0])
	assert.Equal(t, "channel", ack["room_type"])
	assert.Equal(t, "42", ack["room_id"])
	assert.Equal(t, []string{"c1"}, h.Subscribers(types.Channel("42")))

	conn.readCh <- frame(t, types.FrameJoinRoom, types.RoomPayload{RoomType: "guild", RoomID: "1"})
	require.Eventually(t, func() bool { return len(conn.events(types.FrameError)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.CodeInvalidRoom, decodeData(t, conn.events(types.FrameError)[0])["code"])
}

func TestDeleteFanOutSkipsSender(t *testing.T) {
	h := newTestHub(t)
	room := types.Channel("42")
	_, connA := connectClient(t, h, "a", "alice")
	_, connB := connectClient(t, h, "b", "bob")
	joinRoom(t, connA, room)
	joinRoom(t, connB, room)

	connA.readCh <- deleteFrame(t, room, "m1")

	require.Eventually(t, func() bool {
		return len(connB.events(string(types.EventMessageDeleted))) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := connB.events(string(types.EventMessageDeleted))
	require.Len(t, got, 1)
	data := decodeData(t, got[0])
	assert.Equal(t, "m1", data["message_id"])
	assert.Equal(t, "alice", data["username"])
	assert.Equal(t, "a", data["sender_id"])
	assert.Empty(t, connA.events(string(types.EventMessageDeleted)))

	// After B leaves, nothing more reaches it.
	leaveRoom(t, h, connB, "b", room)
	connA.readCh <- deleteFrame(t, room, "m2")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, connB.events(string(types.EventMessageDeleted)), 1)
}

func TestSenderIdentityCannotBeSpoofed(t *testing.T) {
	h := newTestHub(t)
	room := types.DM("7")
	_, connA := connectClient(t, h, "a", "alice")
	_, connB := connectClient(t, h, "b", "bob")
	joinRoom(t, connA, room)
	joinRoom(t, connB, room)

	connA.readCh <- frame(t, string(types.EventMessageDeleted), map[string]any{
		"message_id": "m1", "target_type": "dm", "target_id": 7, "user_id": "mallory", "username": "mallory",
	})
	require.Eventually(t, func() bool {
		return len(connB.events(string(types.EventMessageDeleted))) == 1
	}, time.Second, 5*time.Millisecond)

	data := decodeData(t, connB.events(string(types.EventMessageDeleted))[0])
	assert.Equal(t, "alice", data["user_id"])
	assert.Equal(t, "alice", data["username"])
}

func TestEchoEventReachesSender(t *testing.T) {
	h := newTestHub(t)
	room := types.Channel("voice")
	_, connA := connectClient(t, h, "a", "alice")
	_, connB := connectClient(t, h, "b", "bob")
	joinRoom(t, connA, room)
	joinRoom(t, connB, room)

	connA.readCh <- frame(t, string(types.EventVoiceState), map[string]any{
		"state": types.VoiceJoined, "target_type": "channel", "target_id": "voice",
	})

	for _, c := range []*mockConn{connA, connB} {
		conn := c
		require.Eventually(t, func() bool {
			return len(conn.events(string(types.EventVoiceState))) == 1
		}, time.Second, 5*time.Millisecond)
	}
}

func TestMalformedEventsAreRejected(t *testing.T) {
	h := newTestHub(t)
	room := types.Channel("1")
	_, connA := connectClient(t, h, "a", "alice")
	_, connB := connectClient(t, h, "b", "bob")
	joinRoom(t, connA, room)
	joinRoom(t, connB, room)

	connA.readCh <- frame(t, "message-exploded", map[string]any{"target_type": "channel", "target_id": "1"})
	connA.readCh <- frame(t, string(types.EventMessageDeleted), map[string]any{"target_type": "channel", "target_id": "1"})
	connA.readCh <- frame(t, string(types.EventMessageDeleted), map[string]any{"message_id": "m1", "target_type": "server", "target_id": "1"})

	require.Eventually(t, func() bool { return len(connA.events(types.FrameError)) == 3 }, time.Second, 5*time.Millisecond)
	codes := []any{}
	for _, f := range connA.events(types.FrameError) {
		codes = append(codes, decodeData(t, f)["code"])
	}
	assert.Equal(t, []any{types.CodeUnknownEvent, types.CodeBadRequest, types.CodeInvalidRoom}, codes)
	assert.Empty(t, connB.events(string(types.EventMessageDeleted)))
	assert.Empty(t, connB.events(types.FrameError), "rejections are not surfaced to other users")
}

func TestRoomIsolation(t *testing.T) {
	h := newTestHub(t)
	_, connA := connectClient(t, h, "a", "alice")
	_, connB := connectClient(t, h, "b", "bob")
	_, connC := connectClient(t, h, "c", "carol")
	joinRoom(t, connA, types.Channel("1"))
	joinRoom(t, connB, types.Channel("1"))
	joinRoom(t, connC, types.Channel("2"))

	connA.readCh <- deleteFrame(t, types.Channel("1"), "m1")
	require.Eventually(t, func() bool {
		return len(connB.events(string(types.EventMessageDeleted))) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, connC.events(string(types.EventMessageDeleted)))
}

func TestPerSenderRoomFIFO(t *testing.T) {
	h := newTestHub(t)
	room := types.Channel("fifo")
	_, connA := connectClient(t, h, "a", "alice")
	_, connB := connectClient(t, h, "b", "bob")
	joinRoom(t, connA, room)
	joinRoom(t, connB, room)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			connA.readCh <- deleteFrame(t, room, fmt.Sprintf("m%03d", i))
		}
	}()

	require.Eventually(t, func() bool {
		return len(connB.events(string(types.EventMessageDeleted))) == n
	}, 2*time.Second, 5*time.Millisecond)
	for i, f := range connB.events(string(types.EventMessageDeleted)) {
		assert.Equal(t, fmt.Sprintf("m%03d", i), decodeData(t, f)["message_id"])
	}
}

func TestConcurrentDeletesInDM(t *testing.T) {
	h := newTestHub(t)
	room := types.DM("7")
	_, connA := connectClient(t, h, "a", "alice")
	_, connB := connectClient(t, h, "b", "bob")
	joinRoom(t, connA, room)
	joinRoom(t, connB, room)

	var wg sync.WaitGroup
	for _, pair := range []struct {
		conn *mockConn
		msg  string
	}{{connA, "from-a"}, {connB, "from-b"}} {
		wg.Add(1)
		go func(conn *mockConn, msg string) {
			defer wg.Done()
			conn.readCh <- deleteFrame(t, room, msg)
		}(pair.conn, pair.msg)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(connA.events(string(types.EventMessageDeleted))) == 1 &&
			len(connB.events(string(types.EventMessageDeleted))) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "from-b", decodeData(t, connA.events(string(types.EventMessageDeleted))[0])["message_id"])
	assert.Equal(t, "from-a", decodeData(t, connB.events(string(types.EventMessageDeleted))[0])["message_id"])
}

func TestUncleanDisconnectLeavesRooms(t *testing.T) {
	h := newTestHub(t)
	room := types.Channel("5")

	var disconnected string
	var mu sync.Mutex
	h.OnDisconnection(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		disconnected = id
	})

	_, conn := connectClient(t, h, "dropper", "u1")
	joinRoom(t, conn, room)
	require.Equal(t, []string{"dropper"}, h.Subscribers(room))

	conn.Close()

	require.Eventually(t, func() bool { return len(h.Subscribers(room)) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.Rooms())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected == "dropper"
	}, time.Second, 5*time.Millisecond)
}

func TestQueuedFrameDroppedAfterLeave(t *testing.T) {
	h := newTestHub(t)
	room := types.Channel("1")
	conn := newMockConn()
	client := NewClient("slow", conn, h)
	require.NoError(t, h.Register(client))
	client.setIdentity(types.Identity{UserID: "u", Username: "u"})
	require.True(t, h.Join("slow", room))

	// Queued while subscribed, but the writer is not running yet.
	require.NoError(t, h.Publish("", types.Event{Type: types.EventMessageDeleted, Room: room, Payload: &types.MessageDeleted{MessageID: "m1"}}))
	require.True(t, h.Leave("slow", room))

	go client.WritePump()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, conn.events(string(types.EventMessageDeleted)))
}

func TestServerPublish(t *testing.T) {
	h := newTestHub(t)
	room := types.Channel("9")
	_, conn := connectClient(t, h, "c1", "u1")
	joinRoom(t, conn, room)

	err := h.Publish("", types.Event{Type: types.EventMessageEdited, Room: room, Payload: &types.MessageEdited{MessageID: "m1", Content: "fixed"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(conn.events(string(types.EventMessageEdited))) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, ServerSenderID, decodeData(t, conn.events(string(types.EventMessageEdited))[0])["sender_id"])

	err = h.Publish("", types.Event{Type: types.EventMessageEdited, Room: room})
	assert.Equal(t, types.CodeBadRequest, types.ErrorCode(err))
}

func TestPublishRateLimit(t *testing.T) {
	h := newTestHub(t, func(o *Options) {
		o.PublishRate = 0.001
		o.PublishBurst = 2
	})
	room := types.Channel("1")
	_, conn := connectClient(t, h, "spammer", "u1")
	joinRoom(t, conn, room)

	for i := 0; i < 4; i++ {
		conn.readCh <- frame(t, string(types.EventTypingStart), map[string]any{"target_type": "channel", "target_id": "1"})
	}
	require.Eventually(t, func() bool { return len(conn.events(types.FrameError)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.CodeRateLimited, decodeData(t, conn.events(types.FrameError)[0])["code"])
}

func TestRequireMembership(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.RequireMembership = true })
	_, conn := connectClient(t, h, "outsider", "u1")

	conn.readCh <- deleteFrame(t, types.Channel("1"), "m1")
	require.Eventually(t, func() bool { return len(conn.events(types.FrameError)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.CodeNotInRoom, decodeData(t, conn.events(types.FrameError)[0])["code"])
}

// recordingBridge captures events forwarded to other instances.
type recordingBridge struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *recordingBridge) Publish(ev types.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBridge) Available() bool { return true }

func (b *recordingBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestBridgeForwardAndRelay(t *testing.T) {
	h := newTestHub(t)
	b := &recordingBridge{}
	h.SetBridge(b)
	room := types.Channel("x")
	_, conn := connectClient(t, h, "c1", "u1")
	joinRoom(t, conn, room)

	conn.readCh <- deleteFrame(t, room, "m1")
	require.Eventually(t, func() bool { return b.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "c1", b.events[0].SenderID)

	// Relayed events reach local subscribers without going back out.
	h.BroadcastToLocal(types.Event{
		Type:     types.EventReactionAdded,
		Room:     room,
		SenderID: "remote-conn",
		Payload:  &types.Reaction{MessageID: "m2", Emoji: "🔥"},
	})
	require.Eventually(t, func() bool {
		return len(conn.events(string(types.EventReactionAdded))) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.count())
}

func TestSendToClient(t *testing.T) {
	h := newTestHub(t)
	_, conn := connectClient(t, h, "target", "u1")

	require.True(t, h.SendToClient("target", frame(t, "notice", map[string]any{"hello": "world"})))
	require.Eventually(t, func() bool { return len(conn.events("notice")) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.SendToClient("nonexistent", frame(t, "notice", nil)))
}

func TestConnectionCallbacks(t *testing.T) {
	h := newTestHub(t)

	connected := make(chan string, 1)
	h.OnConnection(func(id string) { connected <- id })

	connectClient(t, h, "cb-client", "u1")
	select {
	case id := <-connected:
		assert.Equal(t, "cb-client", id)
	case <-time.After(time.Second):
		t.Fatal("connection callback not invoked")
	}
}

func TestDisconnect(t *testing.T) {
	h := newTestHub(t)
	_, conn := connectClient(t, h, "kick", "u1")

	assert.True(t, h.Disconnect("kick"))
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.isClosed())
	assert.False(t, h.Disconnect("kick"))
}
