package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisEnvelope wraps an encoded event with the originating instance ID
// so that a node can skip its own published events.
type redisEnvelope struct {
	InstanceID string          `json:"instance_id"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
}

// RedisBridge relays room events between server instances via Redis pub/sub.
// All events travel on one channel, which keeps per-sender ordering intact.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	hub        BroadcastTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge that uses Redis pub/sub for cross-instance fan-out.
func NewRedisBridge(cfg *RedisConfig, hub BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		channel:    cfg.Prefix + "events",
		instanceID: uuid.New().String(),
		hub:        hub,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID identifies this node on the bridge.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

// Start subscribes to the Redis events channel and begins relaying.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, b.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends an event to all other instances via Redis.
func (b *RedisBridge) Publish(ev types.Event) error {
	data, err := encodeEnvelope(b.instanceID, ev)
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// listen reads messages from the Redis subscription and forwards to the local hub.
func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// handleRedisMessage decodes an envelope and forwards non-self events to the hub.
func (b *RedisBridge) handleRedisMessage(msg *redis.Message) {
	instanceID, ev, err := decodeEnvelope([]byte(msg.Payload))
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	// Skip events that originated from this instance.
	if instanceID == b.instanceID {
		return
	}

	b.logger.Debug().
		Str("from_instance", instanceID).
		Str("room", ev.Room.String()).
		Str("event", string(ev.Type)).
		Msg("relaying event from redis")

	b.hub.BroadcastToLocal(ev)
}

func encodeEnvelope(instanceID string, ev types.Event) ([]byte, error) {
	f, err := types.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(redisEnvelope{InstanceID: instanceID, Event: f.Event, Data: f.Data})
}

func decodeEnvelope(raw []byte) (string, types.Event, error) {
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", types.Event{}, err
	}
	ev, err := types.DecodeEvent(types.Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		return env.InstanceID, types.Event{}, err
	}
	return env.InstanceID, ev, nil
}
