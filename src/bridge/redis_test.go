package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/orchestra-mcp/roomcast/config"
	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcastTarget records events forwarded from the bridge.
type mockBroadcastTarget struct {
	mu       sync.Mutex
	received []types.Event
}

func (m *mockBroadcastTarget) BroadcastToLocal(ev types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, ev)
}

func (m *mockBroadcastTarget) events() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.received...)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ev := types.Event{
		Type:         types.EventMessageDeleted,
		Room:         types.Channel("42"),
		SenderID:     "conn-1",
		SenderUserID: "u1",
		SenderName:   "alice",
		Payload:      &types.MessageDeleted{MessageID: "m1"},
		EmittedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}

	raw, err := encodeEnvelope("node-1", ev)
	require.NoError(t, err)

	instance, out, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "node-1", instance)
	assert.Equal(t, ev.Type, out.Type)
	assert.Equal(t, ev.Room, out.Room)
	assert.Equal(t, "alice", out.SenderName)
	assert.Equal(t, "m1", out.MessageID())
	assert.True(t, ev.EmittedAt.Equal(out.EmittedAt))
}

func TestDecodeEnvelopeRejectsUnknownEvent(t *testing.T) {
	_, _, err := decodeEnvelope([]byte(`{"instance_id":"x","event":"nope","data":{}}`))
	assert.Error(t, err)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "roomcast:", cfg.Prefix)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_PREFIX", "test:")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:", cfg.Prefix)
}

func TestRedisConfigFromEnvInvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, 0, cfg.DB) // falls back to default
}

func TestRedisConfigFrom(t *testing.T) {
	cfg := RedisConfigFrom(config.RedisConfig{Addr: "r:1", DB: 2})
	assert.Equal(t, "r:1", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, "roomcast:", cfg.Prefix)
}

func TestRedisBridgeAvailableFalseBeforeStart(t *testing.T) {
	rb := NewRedisBridge(DefaultRedisConfig(), &mockBroadcastTarget{}, zerolog.Nop())
	assert.False(t, rb.Available())
}

func TestRedisBridgeInstanceIDUnique(t *testing.T) {
	cfg := DefaultRedisConfig()
	b1 := NewRedisBridge(cfg, &mockBroadcastTarget{}, zerolog.Nop())
	b2 := NewRedisBridge(cfg, &mockBroadcastTarget{}, zerolog.Nop())
	assert.NotEqual(t, b1.InstanceID(), b2.InstanceID())
}

func TestRedisBridgeRelaysBetweenInstances(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = srv.Addr()

	local, remote := &mockBroadcastTarget{}, &mockBroadcastTarget{}
	b1 := NewRedisBridge(cfg, local, zerolog.Nop())
	b2 := NewRedisBridge(cfg, remote, zerolog.Nop())
	require.NoError(t, b1.Start())
	require.NoError(t, b2.Start())
	t.Cleanup(func() {
		_ = b1.Stop()
		_ = b2.Stop()
	})
	assert.True(t, b1.Available())

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, b1.Publish(types.Event{
			Type:    types.EventMessageDeleted,
			Room:    types.DM("7"),
			Payload: &types.MessageDeleted{MessageID: id},
		}))
	}

	require.Eventually(t, func() bool { return len(remote.events()) == 3 }, 2*time.Second, 10*time.Millisecond)
	got := remote.events()
	for i, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, id, got[i].MessageID())
		assert.Equal(t, types.DM("7"), got[i].Room)
	}
	assert.Empty(t, local.events(), "an instance never relays its own events")
}

func TestRedisBridgeStartFailsWithoutServer(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	rb := NewRedisBridge(cfg, &mockBroadcastTarget{}, zerolog.Nop())
	assert.Error(t, rb.Start())
	assert.False(t, rb.Available())
}
