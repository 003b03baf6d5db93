package hub

import (
	"time"

	"github.com/orchestra-mcp/roomcast/src/types"
)

// ServerSenderID marks events published by the server itself rather than by
// a connection, e.g. backend notifications after a committed REST mutation.
const ServerSenderID = "server"

// Publish validates ev and fans it out to every subscriber of its room
// except the sender, unless the event type echoes. Malformed events are
// rejected with an error frame to the sender and never partially processed.
// Per-recipient delivery is best effort and never fails the publish.
func (h *Hub) Publish(senderID string, ev types.Event) error {
	sender := h.client(senderID)
	if err := ev.Validate(); err != nil {
		h.reject(sender, string(ev.Type), err)
		return err
	}

	if sender != nil {
		if h.opts.RequireMembership && !h.registry.IsMember(sender.ID, ev.Room) {
			err := types.NewError(types.CodeNotInRoom, "join "+ev.Room.String()+" before publishing")
			h.reject(sender, string(ev.Type), err)
			return err
		}
		id, _ := sender.Identity()
		ev.SenderID = sender.ID
		ev.SenderUserID = id.UserID
		ev.SenderName = id.Username
	} else if ev.SenderID == "" {
		ev.SenderID = ServerSenderID
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}

	frame, err := types.EncodeEvent(ev)
	if err != nil {
		h.reject(sender, string(ev.Type), types.NewError(types.CodeInternal, err.Error()))
		return err
	}

	h.fanOut(ev.Room, frame, ev.SenderID, ev.Echo())
	h.metrics.Published.WithLabelValues(string(ev.Type)).Inc()
	h.publishToBridge(ev)
	return nil
}

// fanOut queues frame to the room's subscribers while the room is locked,
// so a leave that completed before this call is always honored and frames
// from one sender keep their order in every recipient queue.
func (h *Hub) fanOut(room types.RoomKey, frame types.Frame, senderID string, echo bool) {
	h.registry.Deliver(room, func(ids []string) {
		for _, id := range ids {
			if id == senderID && !echo {
				continue
			}
			c := h.client(id)
			if c == nil || !c.enqueue(frame) {
				h.metrics.Dropped.Inc()
				h.logger.Warn().
					Str("client_id", id).
					Str("room", room.String()).
					Str("event", frame.Event).
					Msg("delivery dropped")
				continue
			}
			h.metrics.Delivered.Inc()
		}
	})
}

// relay delivers an event that was published on another instance.
func (h *Hub) relay(ev types.Event) {
	if err := ev.Validate(); err != nil {
		h.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("dropping invalid relayed event")
		return
	}
	frame, err := types.EncodeEvent(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode relayed event")
		return
	}
	h.metrics.Relayed.Inc()
	// The sender lives on another instance, so nobody here is excluded.
	h.fanOut(ev.Room, frame, "", false)
}

// publishToBridge forwards an event to the bridge if one is attached.
func (h *Hub) publishToBridge(ev types.Event) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(ev); err != nil {
		h.logger.Error().Err(err).Str("room", ev.Room.String()).Msg("bridge publish failed")
	}
}

// Join subscribes a connection to a room.
func (h *Hub) Join(clientID string, key types.RoomKey) bool {
	if h.client(clientID) == nil {
		return false
	}
	if h.registry.Join(clientID, key) {
		h.logger.Debug().Str("client_id", clientID).Str("room", key.String()).Msg("joined room")
	}
	// Lost a race with unregister; leave no stale entry behind.
	if h.client(clientID) == nil {
		h.registry.Leave(clientID, key)
		return false
	}
	h.metrics.Rooms.Set(float64(h.registry.Len()))
	return true
}

// Leave unsubscribes a connection from a room. Once it returns, no event
// published afterwards reaches the connection through that room.
func (h *Hub) Leave(clientID string, key types.RoomKey) bool {
	ok := h.registry.Leave(clientID, key)
	if ok {
		h.logger.Debug().Str("client_id", clientID).Str("room", key.String()).Msg("left room")
	}
	h.metrics.Rooms.Set(float64(h.registry.Len()))
	return ok
}

// SendToClient sends a frame directly to a specific client.
func (h *Hub) SendToClient(clientID string, f types.Frame) bool {
	c := h.client(clientID)
	if c == nil {
		return false
	}
	return c.enqueue(f)
}
