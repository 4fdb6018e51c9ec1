// Package config defines the runtime settings of the room chat server,
// their defaults, sanitization, and how they are layered from flags,
// environment variables, and an optional config file.
package config

import (
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "ROOMCHAT"

// Keys understood by Load. Nested keys map to ROOMCHAT_RATE_LIMIT_BURST etc.
const (
	KeyAddr              = "addr"
	KeyWorkers           = "workers"
	KeyAllowedOrigins    = "allowed_origins"
	KeyMaxMessageSize    = "max_message_size"
	KeyRateLimitBurst    = "rate_limit.burst"
	KeyRateLimitRefill   = "rate_limit.refill_interval"
	KeyHeartbeatInterval = "heartbeat_interval"
	KeyWriteTimeout      = "write_timeout"
	KeySendBufferSize    = "send_buffer_size"
	KeyDeliveryWorkers   = "delivery_workers"
	KeyMaxHistory        = "max_history"
	KeyAcceptBackoffMax  = "accept_backoff_max"
	KeyShutdownTimeout   = "shutdown_timeout"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
)

// RateLimitConfig defines the parameters for per-session chat message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Addr              string
	Workers           int
	AllowedOrigins    []string
	MaxMessageSize    int64
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SendBufferSize    int
	DeliveryWorkers   int
	// MaxHistory caps the per-room history. Zero keeps every message.
	MaxHistory       int
	AcceptBackoffMax time.Duration
	ShutdownTimeout  time.Duration
	LogLevel         string
	LogFormat        string
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Addr:           ":8080",
		Workers:        runtime.NumCPU(),
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		HeartbeatInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBufferSize:    256,
		DeliveryWorkers:   4,
		MaxHistory:        0,
		AcceptBackoffMax:  time.Second,
		ShutdownTimeout:   10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Sanitize replaces out-of-range values with their defaults and returns the
// result. The receiver is not modified.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.DeliveryWorkers <= 0 {
		c.DeliveryWorkers = def.DeliveryWorkers
	}
	if c.MaxHistory < 0 {
		c.MaxHistory = 0
	}
	if c.AcceptBackoffMax <= 0 {
		c.AcceptBackoffMax = def.AcceptBackoffMax
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}

	c.AllowedOrigins = parseOrigins(c.AllowedOrigins)
	return c
}

// Validate reports settings that make startup impossible.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Addr, err)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q: want console or json", c.LogFormat)
	}
	return nil
}

// SetDefaults registers every default with v so that unset keys resolve
// to the values returned by Default.
func SetDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault(KeyAddr, def.Addr)
	v.SetDefault(KeyWorkers, def.Workers)
	v.SetDefault(KeyAllowedOrigins, def.AllowedOrigins)
	v.SetDefault(KeyMaxMessageSize, def.MaxMessageSize)
	v.SetDefault(KeyRateLimitBurst, def.RateLimit.Burst)
	v.SetDefault(KeyRateLimitRefill, def.RateLimit.RefillInterval)
	v.SetDefault(KeyHeartbeatInterval, def.HeartbeatInterval)
	v.SetDefault(KeyWriteTimeout, def.WriteTimeout)
	v.SetDefault(KeySendBufferSize, def.SendBufferSize)
	v.SetDefault(KeyDeliveryWorkers, def.DeliveryWorkers)
	v.SetDefault(KeyMaxHistory, def.MaxHistory)
	v.SetDefault(KeyAcceptBackoffMax, def.AcceptBackoffMax)
	v.SetDefault(KeyShutdownTimeout, def.ShutdownTimeout)
	v.SetDefault(KeyLogLevel, def.LogLevel)
	v.SetDefault(KeyLogFormat, def.LogFormat)
}

// Load builds a sanitized Config from v. Environment variables prefixed with
// ROOMCHAT_ override file values; flags bound to v override both.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.ConfigFileUsed(); file != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		Addr:           v.GetString(KeyAddr),
		Workers:        v.GetInt(KeyWorkers),
		AllowedOrigins: v.GetStringSlice(KeyAllowedOrigins),
		MaxMessageSize: v.GetInt64(KeyMaxMessageSize),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt(KeyRateLimitBurst),
			RefillInterval: v.GetDuration(KeyRateLimitRefill),
		},
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		WriteTimeout:      v.GetDuration(KeyWriteTimeout),
		SendBufferSize:    v.GetInt(KeySendBufferSize),
		DeliveryWorkers:   v.GetInt(KeyDeliveryWorkers),
		MaxHistory:        v.GetInt(KeyMaxHistory),
		AcceptBackoffMax:  v.GetDuration(KeyAcceptBackoffMax),
		ShutdownTimeout:   v.GetDuration(KeyShutdownTimeout),
		LogLevel:          strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:         strings.ToLower(v.GetString(KeyLogFormat)),
	}

	cfg = cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseOrigins flattens comma separated entries, as produced by a single
// ROOMCHAT_ALLOWED_ORIGINS value, and drops blanks.
func parseOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, entry := range origins {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
