// Package config loads the YAML configuration of lavish-rpc peers.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lavish-rpc/loadbalance"
	"lavish-rpc/message"
	"lavish-rpc/middleware"
	"lavish-rpc/protocol"
	"lavish-rpc/transport"
)

// Config holds the runtime configuration shared by servers and clients.
type Config struct {
	Listen         string                 `yaml:"listen"`
	Endpoints      []loadbalance.Endpoint `yaml:"endpoints"`
	Balancer       string                 `yaml:"balancer"`
	PoolSize       int                    `yaml:"pool_size"`
	CallTimeout    time.Duration          `yaml:"call_timeout"`
	QueueSize      int                    `yaml:"queue_size"`
	MaxMessageSize int                    `yaml:"max_message_size"`
	HandlerTimeout time.Duration          `yaml:"handler_timeout"`
	RateLimit      RateLimit              `yaml:"rate_limit"`
	LogLevel       string                 `yaml:"log_level"`
}

// RateLimit bounds inbound requests per connection. PerSecond 0 disables it.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:         "127.0.0.1:0",
		Balancer:       "round_robin",
		PoolSize:       1,
		CallTimeout:    30 * time.Second,
		QueueSize:      transport.DefaultQueueSize,
		MaxMessageSize: protocol.DefaultMaxMessageSize,
		LogLevel:       "info",
	}
}

// Load reads the configuration from the given YAML file path on top of Default.
// An empty path returns the defaults; a path that names no file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: %s does not exist: %w", path, err)
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.CallTimeout < 0:
		return errors.New("call_timeout must not be negative")
	case c.HandlerTimeout < 0:
		return errors.New("handler_timeout must not be negative")
	case c.QueueSize <= 0:
		return errors.New("queue_size must be positive")
	case c.MaxMessageSize <= 0:
		return errors.New("max_message_size must be positive")
	case c.PoolSize < 0:
		return errors.New("pool_size must not be negative")
	case c.RateLimit.PerSecond < 0:
		return errors.New("rate_limit.per_second must not be negative")
	case c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0:
		return errors.New("rate_limit.burst must be positive when rate_limit.per_second is set")
	}
	if _, err := loadbalance.ByName(c.Balancer); err != nil {
		return err
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level returns the slog level named by LogLevel, or Info if it names none.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Middlewares returns the handler chain this configuration implies: recovery and
// logging always, then the handler timeout and rate limit when set.
func Middlewares[P, NP, R message.Atom](c *Config, logger *slog.Logger) []middleware.Middleware[P, NP, R] {
	mws := []middleware.Middleware[P, NP, R]{
		middleware.RecoverMiddleware[P, NP, R](),
		middleware.LoggingMiddleware[P, NP, R](logger),
	}
	if c.RateLimit.PerSecond > 0 {
		mws = append(mws, middleware.RateLimitMiddleware[P, NP, R](c.RateLimit.PerSecond, c.RateLimit.Burst))
	}
	if c.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware[P, NP, R](c.HandlerTimeout))
	}
	return mws
}

// Options returns the transport options this configuration implies.
func (c *Config) Options(logger *slog.Logger) []transport.Option {
	opts := []transport.Option{
		transport.WithQueueSize(c.QueueSize),
		transport.WithMaxMessageSize(c.MaxMessageSize),
		transport.WithCallTimeout(c.CallTimeout),
	}
	if logger != nil {
		opts = append(opts, transport.WithLogger(logger))
	}
	return opts
}
