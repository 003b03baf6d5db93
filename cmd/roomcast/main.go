package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/orchestra-mcp/roomcast/config"
	"github.com/orchestra-mcp/roomcast/providers"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

func main() {
	configPath := flag.String("config", os.Getenv("ROOMCAST_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	logger := newLogger(cfg.Logging)

	srv := providers.NewServer(cfg, logger)
	srv.Start()

	hs := &fasthttp.Server{
		Handler:            srv.Handler(),
		Name:               "roomcast",
		MaxRequestBodySize: cfg.Socket.MaxMessageSize,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("address", cfg.Address).Msg("listening")
		if err := hs.ListenAndServe(cfg.Address); err != nil {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-done
	logger.Info().Msg("shutting down")

	// Closing the hub first releases hijacked WebSocket connections.
	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("broker stop")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("server exited")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "text" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "roomcast").Logger()
}
