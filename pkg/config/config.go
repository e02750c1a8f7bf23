package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the environment-level settings the connectivity core
// consumes. The core does not own these values; they come from the
// process environment with an optional YAML override file.
type Config struct {
	// APIBaseURL is the HTTP base URL of the game backend.
	APIBaseURL string

	// SocketURL is the websocket endpoint of the persistent channel.
	SocketURL string

	// RequireTLS rejects plaintext base URLs when set.
	RequireTLS bool

	// TestMode suppresses navigation side effects on forced logout.
	// Set automatically under `go test` style CI runs.
	TestMode bool

	// DevMode enables the HTTP client's per-request instrumentation
	// stage. Off unless asked for; production runs do not pay for it.
	DevMode bool

	// RequestTimeout bounds every HTTP call.
	RequestTimeout time.Duration

	// ProbeTimeout bounds a single reachability probe.
	ProbeTimeout time.Duration

	// ProbeInterval is the reachability probe period.
	ProbeInterval time.Duration

	// InitTimeout bounds registry initialization. Distinct from per-call
	// timeouts; timing out here is fatal and resets the registry.
	InitTimeout time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// MetricsAddr is the listen address for /metrics and /healthz when
	// running the daemon. Empty disables the listener.
	MetricsAddr string

	// DataDir holds local state, currently the pending-operations
	// journal.
	DataDir string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		APIBaseURL:     "http://localhost:4000",
		SocketURL:      "ws://localhost:4000/socket",
		RequestTimeout: 10 * time.Second,
		ProbeTimeout:   3 * time.Second,
		ProbeInterval:  30 * time.Second,
		InitTimeout:    30 * time.Second,
		LogLevel:       "info",
		MetricsAddr:    "127.0.0.1:9900",
		DataDir:        filepath.Join(os.TempDir(), "starcore"),
	}
}

// FromEnv builds a Config from STARCORE_* environment variables layered
// over the defaults.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("STARCORE_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("STARCORE_SOCKET_URL"); v != "" {
		cfg.SocketURL = v
	}
	if v := os.Getenv("STARCORE_REQUIRE_TLS"); v != "" {
		cfg.RequireTLS = parseBool(v)
	}
	if v := os.Getenv("STARCORE_TEST_MODE"); v != "" {
		cfg.TestMode = parseBool(v)
	}
	if v := os.Getenv("STARCORE_DEV_MODE"); v != "" {
		cfg.DevMode = parseBool(v)
	}
	if v := os.Getenv("STARCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STARCORE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("STARCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STARCORE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}

	return cfg
}

// fileConfig is the YAML shape of the config file. Durations are strings
// ("7s", "500ms") and every field is optional: only set fields override
// the env/default layer.
type fileConfig struct {
	APIBaseURL     *string `yaml:"apiBaseUrl"`
	SocketURL      *string `yaml:"socketUrl"`
	RequireTLS     *bool   `yaml:"requireTls"`
	TestMode       *bool   `yaml:"testMode"`
	DevMode        *bool   `yaml:"devMode"`
	RequestTimeout *string `yaml:"requestTimeout"`
	ProbeTimeout   *string `yaml:"probeTimeout"`
	ProbeInterval  *string `yaml:"probeInterval"`
	InitTimeout    *string `yaml:"initTimeout"`
	LogLevel       *string `yaml:"logLevel"`
	MetricsAddr    *string `yaml:"metricsAddr"`
	DataDir        *string `yaml:"dataDir"`
}

// Load reads a YAML config file and applies it over FromEnv values.
// A missing file is not an error; the env/default config is returned.
func Load(path string) (*Config, error) {
	cfg := FromEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if file.APIBaseURL != nil {
		cfg.APIBaseURL = *file.APIBaseURL
	}
	if file.SocketURL != nil {
		cfg.SocketURL = *file.SocketURL
	}
	if file.RequireTLS != nil {
		cfg.RequireTLS = *file.RequireTLS
	}
	if file.TestMode != nil {
		cfg.TestMode = *file.TestMode
	}
	if file.DevMode != nil {
		cfg.DevMode = *file.DevMode
	}
	if file.LogLevel != nil {
		cfg.LogLevel = *file.LogLevel
	}
	if file.MetricsAddr != nil {
		cfg.MetricsAddr = *file.MetricsAddr
	}
	if file.DataDir != nil {
		cfg.DataDir = *file.DataDir
	}
	for _, d := range []struct {
		raw *string
		dst *time.Duration
		key string
	}{
		{file.RequestTimeout, &cfg.RequestTimeout, "requestTimeout"},
		{file.ProbeTimeout, &cfg.ProbeTimeout, "probeTimeout"},
		{file.ProbeInterval, &cfg.ProbeInterval, "probeInterval"},
		{file.InitTimeout, &cfg.InitTimeout, "initTimeout"},
	} {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("apiBaseUrl must not be empty")
	}
	if c.RequireTLS {
		if len(c.APIBaseURL) < 8 || c.APIBaseURL[:8] != "https://" {
			return fmt.Errorf("requireTls is set but apiBaseUrl is not https")
		}
		if len(c.SocketURL) < 6 || c.SocketURL[:6] != "wss://" {
			return fmt.Errorf("requireTls is set but socketUrl is not wss")
		}
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("requestTimeout must be positive")
	}
	return nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
