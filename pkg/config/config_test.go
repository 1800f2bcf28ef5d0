package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("SIGNALING_BACKEND", "")
	t.Setenv("MEDIA_TRANSPORT", "")
	t.Setenv("CALL_INITIATE_RATE_LIMIT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SignalingRedis, cfg.Call.SignalingBackend)
	assert.Equal(t, MediaPion, cfg.Call.MediaTransport)
	assert.Equal(t, "stun:stun.l.google.com:19302", cfg.Call.STUNURL)
	assert.False(t, cfg.Call.BufferEarlySignals)
	assert.Equal(t, 20, cfg.Call.InitiateRateLimit)
}

func TestLoad_SecretFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt")
	require.NoError(t, os.WriteFile(path, []byte("  from-file-secret\n"), 0o600))
	t.Setenv("ENV", "development")
	t.Setenv("JWT_SECRET_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file-secret", cfg.JWT.Secret)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Environment: "development"},
			Call: CallConfig{
				SignalingBackend:  SignalingMemory,
				MediaTransport:    MediaNoop,
				MaxSignalingConns: 10,
				InitiateRateLimit: 5,
			},
			Push: PushConfig{Provider: "mock"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Call.SignalingBackend = "kafka" }, errMsg: "SIGNALING_BACKEND"},
		{name: "unknown transport", mutate: func(c *Config) { c.Call.MediaTransport = "sfu" }, errMsg: "MEDIA_TRANSPORT"},
		{name: "no connections", mutate: func(c *Config) { c.Call.MaxSignalingConns = 0 }, errMsg: "WS_MAX_SIGNALING_CONNECTIONS"},
		{name: "no rate limit", mutate: func(c *Config) { c.Call.InitiateRateLimit = 0 }, errMsg: "CALL_INITIATE_RATE_LIMIT"},
		{name: "short secret in production", mutate: func(c *Config) {
			c.Server.Environment = "production"
			c.Push.Provider = "firebase"
			c.JWT.Secret = "short"
		}, errMsg: "JWT_SECRET"},
		{name: "mock push in production", mutate: func(c *Config) {
			c.Server.Environment = "production"
			c.JWT.Secret = "0123456789abcdef0123456789abcdef"
		}, errMsg: "PUSH_PROVIDER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
