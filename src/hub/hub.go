package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/orchestra-mcp/roomcast/config"
	"github.com/orchestra-mcp/roomcast/src/auth"
	"github.com/orchestra-mcp/roomcast/src/metrics"
	"github.com/orchestra-mcp/roomcast/src/registry"
	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrHubFull is returned by Register when MaxConnections is reached.
var ErrHubFull = errors.New("connection limit reached")

// ErrStopped is returned by Register after Stop.
var ErrStopped = errors.New("hub stopped")

// EventBridge publishes events to other server instances.
// Defined here to avoid circular imports with the bridge package.
type EventBridge interface {
	Publish(ev types.Event) error
	Available() bool
}

// Options tunes a Hub.
type Options struct {
	MaxConnections int
	SendQueue      int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64

	// PublishRate and PublishBurst bound each connection's publishes.
	// A zero rate disables limiting.
	PublishRate  rate.Limit
	PublishBurst int

	// RequireMembership rejects events for rooms the sender has not joined.
	RequireMembership bool

	Auth    auth.Authenticator
	Metrics *metrics.Metrics
}

// DefaultOptions mirrors config.DefaultConfig.
func DefaultOptions() Options {
	return OptionsFrom(config.DefaultConfig())
}

// OptionsFrom derives hub options from the server configuration.
func OptionsFrom(cfg *config.BrokerConfig) Options {
	return Options{
		MaxConnections:    cfg.Socket.MaxConnections,
		SendQueue:         cfg.Socket.SendQueue,
		WriteWait:         cfg.Socket.WriteWait(),
		PongWait:          cfg.Socket.PongTimeout(),
		PingPeriod:        cfg.Socket.PingPeriod(),
		MaxMessageSize:    int64(cfg.Socket.MaxMessageSize),
		PublishRate:       rate.Limit(cfg.RateLimit.RPS),
		PublishBurst:      cfg.RateLimit.Burst,
		RequireMembership: cfg.Socket.RequireMembership,
		Auth:              auth.New(cfg.Auth.Secrets),
	}
}

// Hub owns every connection on this instance and fans room events out to
// them. Registration and bridge relays run on the Run loop; frames from a
// connection are handled on that connection's read goroutine.
type Hub struct {
	clients  map[string]*Client
	registry *registry.Registry

	register   chan registration
	unregister chan *Client
	localCast  chan types.Event // events from the bridge, no re-publish

	onConnect []func(string)
	onDisconn []func(string)

	bridge  EventBridge
	opts    Options
	metrics *metrics.Metrics
	mu      sync.RWMutex
	logger  zerolog.Logger
	done    chan struct{}
	stop    sync.Once
}

// New creates a new Hub instance.
func New(logger zerolog.Logger, opts Options) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.Auth == nil {
		opts.Auth = auth.Open{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		registry:   registry.New(),
		register:   make(chan registration),
		unregister: make(chan *Client),
		localCast:  make(chan types.Event, 256),
		opts:       opts,
		metrics:    opts.Metrics,
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
}

// SetBridge attaches a cross-instance event bridge to the hub.
// When set, published events are also forwarded to other instances.
func (h *Hub) SetBridge(b EventBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// BroadcastToLocal delivers an event from the bridge to local subscribers
// only. It does not re-publish to the bridge, preventing loops.
func (h *Hub) BroadcastToLocal(ev types.Event) {
	select {
	case h.localCast <- ev:
	case <-h.done:
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.register:
			req.result <- h.addClient(req.client)
		case client := <-h.unregister:
			h.removeClient(client)
		case ev := <-h.localCast:
			h.relay(ev)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop and closes every client.
func (h *Hub) Stop() {
	h.stop.Do(func() {
		close(h.done)
		h.mu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()
		for _, c := range clients {
			c.Close()
		}
	})
}

type registration struct {
	client *Client
	result chan error
}

// Register queues a client for registration and waits for the loop to
// accept or refuse it.
func (h *Hub) Register(c *Client) error {
	req := registration{client: c, result: make(chan error, 1)}
	select {
	case h.register <- req:
		return <-req.result
	case <-h.done:
		return ErrStopped
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.Close()
	}
}

// Registry exposes the room registry.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// addClient runs on the Run loop, so the connection limit holds under
// concurrent upgrades.
func (h *Hub) addClient(c *Client) error {
	h.mu.Lock()
	if max := h.opts.MaxConnections; max > 0 && len(h.clients) >= max {
		h.mu.Unlock()
		return ErrHubFull
	}
	h.clients[c.ID] = c
	callbacks := append([]func(string){}, h.onConnect...)
	h.mu.Unlock()

	h.metrics.Connections.Inc()
	h.logger.Info().Str("client_id", c.ID).Msg("client registered")

	for _, cb := range callbacks {
		cb(c.ID)
	}
	return nil
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	callbacks := append([]func(string){}, h.onDisconn...)
	h.mu.Unlock()

	// Remove from all room subscriptions before the client goes away.
	left := h.registry.LeaveAll(c.ID)
	h.metrics.Rooms.Set(float64(h.registry.Len()))
	h.metrics.Connections.Dec()

	c.Close()
	h.logger.Info().
		Str("client_id", c.ID).
		Int("rooms_left", len(left)).
		Msg("client unregistered")

	for _, cb := range callbacks {
		cb(c.ID)
	}
}

func (h *Hub) client(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}
