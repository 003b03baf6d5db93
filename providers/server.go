// Package providers assembles the broker: hub, service, bridge and the HTTP
// surface served on one fasthttp listener.
package providers

import (
	"sync/atomic"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/roomcast/config"
	"github.com/orchestra-mcp/roomcast/src/bridge"
	"github.com/orchestra-mcp/roomcast/src/hub"
	"github.com/orchestra-mcp/roomcast/src/metrics"
	"github.com/orchestra-mcp/roomcast/src/service"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Server owns the broker's components for one process.
type Server struct {
	cfg     *config.BrokerConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	hub     *hub.Hub
	service *service.Service
	bridge  bridge.Bridge
	app     *fiber.App
	active  atomic.Bool
}

// NewServer builds the hub and service from cfg. Nothing runs until Start.
func NewServer(cfg *config.BrokerConfig, logger zerolog.Logger) *Server {
	m := metrics.New()
	opts := hub.OptionsFrom(cfg)
	opts.Metrics = m

	h := hub.New(logger, opts)
	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		metrics: m,
		hub:     h,
		service: service.New(h, logger),
		app:     fiber.New(fiber.Config{AppName: "roomcast"}),
	}
	s.RegisterRoutes(s.app)
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Service returns the broker service for embedding code.
func (s *Server) Service() *service.Service { return s.service }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// IsActive reports whether Start has run and Stop has not.
func (s *Server) IsActive() bool { return s.active.Load() }

// Start runs the hub loop and, when enabled, the Redis bridge.
func (s *Server) Start() {
	go s.hub.Run()
	if s.cfg.Redis.Enabled {
		s.initBridge()
	}
	s.active.Store(true)
	s.logger.Info().Msg("broker started")
}

// initBridge tries to start the Redis pub/sub bridge.
// If Redis is not reachable, the hub runs in standalone mode.
func (s *Server) initBridge() {
	cfg := bridge.RedisConfigFrom(s.cfg.Redis)
	rb := bridge.NewRedisBridge(cfg, s.hub, s.logger)

	if err := rb.Start(); err != nil {
		s.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		return
	}

	s.bridge = rb
	s.hub.SetBridge(rb)
	s.logger.Info().Str("redis_addr", cfg.Addr).Str("instance_id", rb.InstanceID()).Msg("redis bridge connected")
}

// Stop shuts down the bridge and the hub. Open connections are closed.
func (s *Server) Stop() error {
	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("bridge stop error")
		}
		s.bridge = nil
	}
	s.hub.Stop()
	s.active.Store(false)
	return nil
}

// Handler returns the root fasthttp handler: WebSocket upgrades on /ws,
// Prometheus on /metrics, the fiber app for everything else.
func (s *Server) Handler() fasthttp.RequestHandler {
	ws := s.FastHTTPHandler()
	metricsHandler := s.metricsHandler()
	app := s.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ws":
			ws(ctx)
		case "/metrics":
			metricsHandler(ctx)
		default:
			app(ctx)
		}
	}
}
