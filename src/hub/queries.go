package hub

import (
	"github.com/orchestra-mcp/roomcast/src/types"
)

// OnConnection registers a callback for new connections.
func (h *Hub) OnConnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback for disconnections. It runs after the
// connection has been removed from every room.
func (h *Hub) OnDisconnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// ConnectedClients returns a list of connected client IDs.
func (h *Hub) ConnectedClients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// ClientInfo returns info for a connected client, or nil.
func (h *Hub) ClientInfo(clientID string) *types.ClientInfo {
	client := h.client(clientID)
	if client == nil {
		return nil
	}
	info := client.Info()
	return &info
}

// Rooms returns live rooms with their subscriber counts.
func (h *Hub) Rooms() map[types.RoomKey]int {
	return h.registry.Rooms()
}

// Subscribers returns the connections currently subscribed to key.
func (h *Hub) Subscribers(key types.RoomKey) []string {
	return h.registry.Subscribers(key)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Disconnect closes a client's connection. Cleanup follows through the
// normal unregister path once its read pump notices.
func (h *Hub) Disconnect(clientID string) bool {
	c := h.client(clientID)
	if c == nil {
		return false
	}
	c.Close()
	_ = c.conn.Close()
	return true
}
