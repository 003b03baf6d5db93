package hub

import (
	"sync"
	"time"

	"github.com/orchestra-mcp/roomcast/src/types"
	"golang.org/x/time/rate"
)

// Client wraps a WebSocket connection and manages message flow.
type Client struct {
	ID          string
	conn        types.Conn
	hub         *Hub
	send        chan types.Frame
	connectedAt time.Time
	limiter     *rate.Limiter

	mu       sync.RWMutex
	identity *types.Identity

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// NewClient creates a new WebSocket client wrapper.
func NewClient(id string, conn types.Conn, h *Hub) *Client {
	c := &Client{
		ID:          id,
		conn:        conn,
		hub:         h,
		send:        make(chan types.Frame, h.opts.SendQueue),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	if h.opts.PublishRate > 0 {
		burst := h.opts.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(h.opts.PublishRate, burst)
	}
	return c
}

// Identity returns the authenticated user, if any.
func (c *Client) Identity() (types.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return types.Identity{}, false
	}
	return *c.identity, true
}

func (c *Client) setIdentity(id types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &id
}

// Info returns metadata about this client.
func (c *Client) Info() types.ClientInfo {
	keys := c.hub.registry.RoomsOf(c.ID)
	rooms := make([]string, 0, len(keys))
	for _, k := range keys {
		rooms = append(rooms, k.String())
	}
	info := types.ClientInfo{
		ID:          c.ID,
		ConnectedAt: c.connectedAt,
		Rooms:       rooms,
	}
	if id, ok := c.Identity(); ok {
		info.Authenticated = true
		info.UserID = id.UserID
		info.Username = id.Username
	}
	return info
}

// enqueue queues a frame without blocking. It reports false when the client
// is closed or its queue is full.
func (c *Client) enqueue(f types.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// ReadPump reads frames from the WebSocket and handles them in order.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		select {
		case <-c.writerDone:
		case <-time.After(c.hub.opts.WriteWait + time.Second):
		}
		c.conn.Close()
	}()

	if kc, ok := c.conn.(types.KeepaliveConn); ok {
		if c.hub.opts.MaxMessageSize > 0 {
			kc.SetReadLimit(c.hub.opts.MaxMessageSize)
		}
		if wait := c.hub.opts.PongWait; wait > 0 {
			_ = kc.SetReadDeadline(time.Now().Add(wait))
			kc.SetPongHandler(func(string) error {
				return kc.SetReadDeadline(time.Now().Add(wait))
			})
		}
	}

	for {
		var f types.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.hub.logger.Debug().Err(err).Str("client_id", c.ID).Msg("read pump exit")
			return
		}
		if !c.hub.handleFrame(c, f) {
			return
		}
	}
}

// WritePump writes queued frames to the WebSocket. Frames scoped to a room
// the client no longer belongs to are dropped at write time. On close it
// flushes what is already queued, then closes the connection.
func (c *Client) WritePump() {
	defer close(c.writerDone)
	defer c.conn.Close()

	kc, keepalive := c.conn.(types.KeepaliveConn)
	var ping <-chan time.Time
	if keepalive && c.hub.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.hub.opts.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case f := <-c.send:
			if err := c.write(kc, keepalive, f); err != nil {
				return
			}
		case <-ping:
			if err := kc.Ping(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case f := <-c.send:
					if err := c.write(kc, keepalive, f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Client) write(kc types.KeepaliveConn, keepalive bool, f types.Frame) error {
	if f.Room != nil && !c.hub.registry.IsMember(c.ID, *f.Room) {
		return nil
	}
	if keepalive && c.hub.opts.WriteWait > 0 {
		_ = kc.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
	}
	return c.conn.WriteJSON(f)
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }
