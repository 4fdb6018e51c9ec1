package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 4, cfg.DeliveryWorkers)
	assert.Equal(t, 0, cfg.MaxHistory)
	assert.Positive(t, cfg.Workers)
}

func TestSanitizeRestoresDefaults(t *testing.T) {
	cfg := Config{
		MaxMessageSize: -1,
		MaxHistory:     -5,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		AllowedOrigins: []string{" http://a.example , http://b.example", "", "*"},
	}.Sanitize()

	def := Default()
	assert.Equal(t, def.Addr, cfg.Addr)
	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, 0, cfg.MaxHistory)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, []string{"http://a.example", "http://b.example", "*"}, cfg.AllowedOrigins)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"address without port", func(c *Config) { c.Addr = "localhost" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ROOMCHAT_ADDR", "127.0.0.1:9000")
	t.Setenv("ROOMCHAT_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("ROOMCHAT_RATE_LIMIT_BURST", "3")
	t.Setenv("ROOMCHAT_LOG_LEVEL", "DEBUG")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomchat.yaml")
	content := []byte("addr: \":7000\"\ndelivery_workers: 8\nmax_history: 100\nallowed_origins:\n  - http://chat.example\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, 8, cfg.DeliveryWorkers)
	assert.Equal(t, 100, cfg.MaxHistory)
	assert.Equal(t, []string{"http://chat.example"}, cfg.AllowedOrigins)
}

func TestLoadReportsInvalidConfig(t *testing.T) {
	t.Setenv("ROOMCHAT_LOG_FORMAT", "xml")

	_, err := Load(viper.New())
	assert.Error(t, err)
}
