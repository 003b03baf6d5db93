package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SocketConfig holds WebSocket server configuration.
type SocketConfig struct {
	MaxConnections  int `yaml:"max_connections"`
	PingInterval    int `yaml:"ping_interval_seconds"`
	PongWait        int `yaml:"pong_wait_seconds"`
	WriteTimeout    int `yaml:"write_timeout_seconds"`
	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`
	SendQueue       int `yaml:"send_queue"`
	MaxMessageSize  int `yaml:"max_message_size"`

	// RequireMembership rejects events for rooms the sender has not joined.
	RequireMembership bool `yaml:"require_membership"`
}

// RateLimitConfig bounds how fast one connection may publish.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuthConfig lists HMAC secrets for signed user tokens. Empty means any auth
// frame naming a user is accepted.
//
// APIKeys authenticate the application backend on the HTTP publish route.
// The HMAC secrets are accepted there too. With neither configured the route
// refuses every request.
type AuthConfig struct {
	Secrets []string `yaml:"secrets"`
	APIKeys []string `yaml:"api_keys"`
}

// BackendKeys returns every credential accepted on the publish route.
func (a AuthConfig) BackendKeys() []string {
	keys := make([]string, 0, len(a.APIKeys)+len(a.Secrets))
	for _, k := range append(append([]string{}, a.APIKeys...), a.Secrets...) {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// RedisConfig enables the cross-instance bridge.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LoggingConfig selects the log level and output format (json|text).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BrokerConfig is the full server configuration.
type BrokerConfig struct {
	Address   string          `yaml:"address"`
	Socket    SocketConfig    `yaml:"socket"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() *BrokerConfig {
	return &BrokerConfig{
		Address: ":8080",
		Socket: SocketConfig{
			MaxConnections:  1000,
			PingInterval:    30,
			PongWait:        60,
			WriteTimeout:    10,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendQueue:       256,
			MaxMessageSize:  64 * 1024,
		},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "roomcast:",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file over the defaults and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*BrokerConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ROOMCAST_* and REDIS_* variables.
func (c *BrokerConfig) ApplyEnv() {
	if v := os.Getenv("ROOMCAST_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("ROOMCAST_AUTH_SECRETS"); v != "" {
		c.Auth.Secrets = splitList(v)
	}
	if v := os.Getenv("ROOMCAST_API_KEYS"); v != "" {
		c.Auth.APIKeys = splitList(v)
	}
	if v := os.Getenv("ROOMCAST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ROOMCAST_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ROOMCAST_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("ROOMCAST_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.Burst = n
		}
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		c.Redis.Prefix = prefix
	}
}

// Validate rejects configurations the server cannot run with.
func (c *BrokerConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.Socket.SendQueue <= 0 {
		return fmt.Errorf("socket.send_queue must be positive")
	}
	if c.Socket.PingInterval <= 0 || c.Socket.PongWait <= c.Socket.PingInterval {
		return fmt.Errorf("socket.pong_wait_seconds must exceed ping_interval_seconds")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// PingPeriod returns the keepalive interval.
func (s SocketConfig) PingPeriod() time.Duration { return time.Duration(s.PingInterval) * time.Second }

// PongTimeout returns how long a connection may stay silent.
func (s SocketConfig) PongTimeout() time.Duration { return time.Duration(s.PongWait) * time.Second }

// WriteWait returns the per-frame write deadline.
func (s SocketConfig) WriteWait() time.Duration { return time.Duration(s.WriteTimeout) * time.Second }

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
