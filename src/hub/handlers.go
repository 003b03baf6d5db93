package hub

import (
	"encoding/json"
	"errors"

	"github.com/orchestra-mcp/roomcast/src/types"
)

// handleFrame processes one inbound frame. It returns false when the
// connection must be dropped.
func (h *Hub) handleFrame(c *Client, f types.Frame) bool {
	switch f.Event {
	case types.FrameAuth:
		return h.handleAuth(c, f)
	case types.FrameJoinRoom:
		if h.requireAuth(c, f) {
			h.handleJoin(c, f)
		}
	case types.FrameLeaveRoom:
		if h.requireAuth(c, f) {
			h.handleLeave(c, f)
		}
	default:
		if h.requireAuth(c, f) {
			h.handleEvent(c, f)
		}
	}
	return true
}

func (h *Hub) handleAuth(c *Client, f types.Frame) bool {
	if _, ok := c.Identity(); ok {
		h.reject(c, f.Event, types.NewError(types.CodeBadRequest, "already authenticated"))
		return true
	}
	var req types.AuthPayload
	if err := decode(f.Data, &req); err != nil {
		h.reject(c, f.Event, types.NewError(types.CodeBadRequest, err.Error()))
		return true
	}
	id, err := h.opts.Auth.Authenticate(req)
	if err != nil {
		// Auth failure is terminal for this connection.
		h.reject(c, f.Event, types.NewError(types.CodeUnauthorized, err.Error()))
		h.logger.Warn().Str("client_id", c.ID).Str("user_id", req.UserID).Msg("authentication failed")
		return false
	}
	c.setIdentity(id)
	h.reply(c, types.FrameAuthenticated, types.AuthenticatedPayload{
		ConnectionID: c.ID,
		UserID:       id.UserID,
		Username:     id.Username,
	})
	h.logger.Info().
		Str("client_id", c.ID).
		Str("user_id", id.UserID).
		Msg("client authenticated")
	return true
}

func (h *Hub) requireAuth(c *Client, f types.Frame) bool {
	if _, ok := c.Identity(); ok {
		return true
	}
	h.reject(c, f.Event, types.NewError(types.CodeUnauthorized, "authenticate before "+f.Event))
	return false
}

func (h *Hub) handleJoin(c *Client, f types.Frame) {
	key, ok := h.roomFrom(c, f)
	if !ok {
		return
	}
	h.Join(c.ID, key)
	h.reply(c, types.FrameRoomJoined, types.RoomPayload{RoomType: key.Type, RoomID: types.RoomID(key.ID)})
}

func (h *Hub) handleLeave(c *Client, f types.Frame) {
	key, ok := h.roomFrom(c, f)
	if !ok {
		return
	}
	h.Leave(c.ID, key)
}

func (h *Hub) handleEvent(c *Client, f types.Frame) {
	if c.limiter != nil && !c.limiter.Allow() {
		h.reject(c, f.Event, types.NewError(types.CodeRateLimited, "too many events"))
		return
	}
	ev, err := types.DecodeEvent(f)
	if err != nil {
		h.reject(c, f.Event, err)
		return
	}
	// Publish reports its own rejections to the sender.
	_ = h.Publish(c.ID, ev)
}

func (h *Hub) roomFrom(c *Client, f types.Frame) (types.RoomKey, bool) {
	var p types.RoomPayload
	if err := decode(f.Data, &p); err != nil {
		h.reject(c, f.Event, types.NewError(types.CodeBadRequest, err.Error()))
		return types.RoomKey{}, false
	}
	key := p.Key()
	if err := key.Validate(); err != nil {
		h.reject(c, f.Event, types.NewError(types.CodeInvalidRoom, err.Error()))
		return types.RoomKey{}, false
	}
	return key, true
}

// reply queues a control frame to c.
func (h *Hub) reply(c *Client, event string, data any) {
	frame, err := types.NewFrame(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode reply")
		return
	}
	if !c.enqueue(frame) {
		h.metrics.Dropped.Inc()
		h.logger.Warn().Str("client_id", c.ID).Str("event", event).Msg("send buffer full, dropping reply")
	}
}

// reject sends an error frame describing err back to c. Rejections stay
// between the broker and the offending connection.
func (h *Hub) reject(c *Client, event string, err error) {
	code := types.ErrorCode(err)
	h.metrics.Rejected.WithLabelValues(code).Inc()
	if c == nil {
		return
	}
	pe := &types.Error{Code: code, Message: err.Error(), Event: event}
	var orig *types.Error
	if errors.As(err, &orig) {
		pe.Message = orig.Message
	}
	h.logger.Debug().
		Str("client_id", c.ID).
		Str("event", event).
		Str("code", code).
		Msg("frame rejected")
	h.reply(c, types.FrameError, pe)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	return json.Unmarshal(data, v)
}
