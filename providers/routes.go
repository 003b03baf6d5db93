package providers

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/keyauth"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/roomcast/src/hub"
	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// RegisterRoutes registers the info and publish routes via Fiber.
// The actual WebSocket upgrade uses FastHTTPHandler, registered
// at the server level since Fiber v3 does not expose *fasthttp.RequestCtx.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", s.handleInfo)
	group.Get("/ws/rooms", s.handleRooms)
	group.Get("/ws/clients/:id", s.handleClient)

	api := group.Group("/api", s.requireBackendKey())
	api.Post("/rooms/:type/:id/events/:event", s.handlePublish)
}

// requireBackendKey guards the API with a bearer key from auth.api_keys or
// auth.secrets. With no key configured every request is refused.
func (s *Server) requireBackendKey() fiber.Handler {
	keys := s.cfg.Auth.BackendKeys()
	return keyauth.New(keyauth.Config{
		Validator: func(_ fiber.Ctx, key string) (bool, error) {
			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					return true, nil
				}
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: func(c fiber.Ctx, err error) error {
			s.logger.Warn().Str("path", c.Path()).Str("ip", c.IP()).Msg("api request rejected")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   types.CodeUnauthorized,
				"message": err.Error(),
			})
		},
	})
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/ws",
		"clients":   s.hub.ClientCount(),
		"rooms":     len(s.hub.Rooms()),
		"bridge":    s.bridge != nil && s.bridge.Available(),
	})
}

func (s *Server) handleRooms(c fiber.Ctx) error {
	return c.JSON(s.service.GetRooms())
}

func (s *Server) handleClient(c fiber.Ctx) error {
	info, err := s.service.GetClientInfo(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": err.Error(),
		})
	}
	return c.JSON(info)
}

// handlePublish announces a committed mutation to a room. It is meant for
// the application backend, not end users.
func (s *Server) handlePublish(c fiber.Ctx) error {
	room := types.RoomKey{Type: types.RoomType(c.Params("type")), ID: c.Params("id")}
	if err := room.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   types.CodeInvalidRoom,
			"message": err.Error(),
		})
	}

	err := s.service.PublishRaw(room, c.Params("event"), c.Body())
	if err != nil {
		code := types.ErrorCode(err)
		status := fiber.StatusBadRequest
		if code == types.CodeInternal {
			status = fiber.StatusInternalServerError
		}
		return c.Status(status).JSON(fiber.Map{
			"error":   code,
			"message": err.Error(),
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "accepted",
		"room":   room.String(),
	})
}

func (s *Server) metricsHandler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(s.metrics.Handler())
}

func (s *Server) upgrader() *websocket.FastHTTPUpgrader {
	return &websocket.FastHTTPUpgrader{
		ReadBufferSize:  s.cfg.Socket.ReadBufferSize,
		WriteBufferSize: s.cfg.Socket.WriteBufferSize,
		CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
	}
}

// FastHTTPHandler returns a raw fasthttp handler for WebSocket upgrades.
// Register this on the fasthttp server at the "/ws" path.
func (s *Server) FastHTTPHandler() fasthttp.RequestHandler {
	upgrader := s.upgrader()
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		clientID := uuid.New().String()
		h := s.hub
		logger := s.logger

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			client := hub.NewClient(clientID, &fasthttpConn{conn}, h)
			if err := h.Register(client); err != nil {
				logger.Warn().Err(err).Str("client_id", clientID).Msg("connection refused")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			}
			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// fasthttpConn wraps fasthttp/websocket.Conn to satisfy types.KeepaliveConn.
type fasthttpConn struct {
	conn *websocket.Conn
}

func (f *fasthttpConn) WriteJSON(v any) error { return f.conn.WriteJSON(v) }
func (f *fasthttpConn) ReadJSON(v any) error  { return f.conn.ReadJSON(v) }
func (f *fasthttpConn) Close() error          { return f.conn.Close() }

func (f *fasthttpConn) Ping(deadline time.Time) error {
	return f.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (f *fasthttpConn) SetReadDeadline(t time.Time) error  { return f.conn.SetReadDeadline(t) }
func (f *fasthttpConn) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *fasthttpConn) SetPongHandler(h func(string) error) {
	f.conn.SetPongHandler(h)
}
func (f *fasthttpConn) SetReadLimit(limit int64) { f.conn.SetReadLimit(limit) }

var _ types.KeepaliveConn = (*fasthttpConn)(nil)
