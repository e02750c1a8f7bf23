package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://localhost:4000", cfg.APIBaseURL)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.InitTimeout)
	assert.False(t, cfg.RequireTLS)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("STARCORE_API_URL", "https://api.starfall.example")
	t.Setenv("STARCORE_SOCKET_URL", "wss://api.starfall.example/socket")
	t.Setenv("STARCORE_REQUIRE_TLS", "true")
	t.Setenv("STARCORE_REQUEST_TIMEOUT", "5s")

	cfg := FromEnv()

	assert.Equal(t, "https://api.starfall.example", cfg.APIBaseURL)
	assert.Equal(t, "wss://api.starfall.example/socket", cfg.SocketURL)
	assert.True(t, cfg.RequireTLS)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestDevModeIsExplicit(t *testing.T) {
	assert.False(t, Default().DevMode)
	assert.False(t, FromEnv().DevMode, "dev mode must not follow from any other flag")

	t.Setenv("STARCORE_DEV_MODE", "true")
	assert.True(t, FromEnv().DevMode)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "starcore.yaml")

	content := []byte(`
apiBaseUrl: https://backend.example
socketUrl: wss://backend.example/socket
requestTimeout: 7s
logLevel: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://backend.example", cfg.APIBaseURL)
	assert.Equal(t, 7*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().APIBaseURL, cfg.APIBaseURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty base url",
			mutate:  func(c *Config) { c.APIBaseURL = "" },
			wantErr: true,
		},
		{
			name: "tls required but plaintext http",
			mutate: func(c *Config) {
				c.RequireTLS = true
			},
			wantErr: true,
		},
		{
			name: "tls required and satisfied",
			mutate: func(c *Config) {
				c.RequireTLS = true
				c.APIBaseURL = "https://api.example"
				c.SocketURL = "wss://api.example/socket"
			},
			wantErr: false,
		},
		{
			name:    "non-positive timeout",
			mutate:  func(c *Config) { c.RequestTimeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
