// Package config loads proxy configuration from YAML with env overrides.
//
// DESIGN: One Config struct owns everything the proxy and its analytics
// pipeline consume. Load() merges, in order: defaults, an optional YAML
// file, then environment variables. The result is validated once; runtime
// code never re-reads files or env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full proxy configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Usage      UsageConfig      `yaml:"usage"`
	Native     NativeConfig     `yaml:"native"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig controls the listening socket.
type ServerConfig struct {
	// Port is the loopback port to bind. The proxy never listens on
	// non-loopback interfaces.
	Port int `yaml:"port"`
}

// UpstreamConfig names the fixed upstream origins.
type UpstreamConfig struct {
	// BackendURL is the local inference backend (the spawned CLI proxy).
	BackendURL string `yaml:"backend_url"`
	// ManagementOrigin receives everything that is not inference traffic.
	ManagementOrigin string `yaml:"management_origin"`
	// LoginOrigin is the target of CLI login redirects.
	LoginOrigin string `yaml:"login_origin"`
}

// GatewayConfig is the optional alternate gateway for Claude-model requests.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	// URL defaults to the Vercel AI Gateway origin.
	URL string `yaml:"url"`
}

// Active reports whether gateway routing should be considered at all.
func (g GatewayConfig) Active() bool {
	return g.Enabled && strings.TrimSpace(g.APIKey) != ""
}

// UsageConfig controls the local usage database.
type UsageConfig struct {
	// DBPath is the sqlite file. Empty selects the default under DataDir.
	DBPath string `yaml:"db_path"`
}

// NativeConfig controls the native usage comparison fetch.
type NativeConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the local management usage API. Empty derives it from
	// the backend URL.
	Endpoint string `yaml:"endpoint"`
	// KeyPath is the managed management-key file. Empty selects the
	// default under DataDir.
	KeyPath string `yaml:"key_path"`
}

// MonitoringConfig controls JSONL request telemetry.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// DataDir returns the directory holding the usage database and managed key.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vibeproxy"
	}
	return filepath.Join(home, ".vibeproxy")
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: DefaultProxyPort},
		Upstream: UpstreamConfig{
			BackendURL:       fmt.Sprintf("http://127.0.0.1:%d", DefaultBackendPort),
			ManagementOrigin: DefaultManagementOrigin,
			LoginOrigin:      DefaultLoginOrigin,
		},
		Gateway: GatewayConfig{URL: DefaultGatewayOrigin},
		Usage:   UsageConfig{DBPath: filepath.Join(DataDir(), "vibeproxy-usage.db")},
		Native: NativeConfig{
			Enabled: true,
			KeyPath: filepath.Join(DataDir(), "vibeproxy-managed-key.json"),
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file at
// path, and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VIBEPROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VIBEPROXY_BACKEND_URL"); v != "" {
		cfg.Upstream.BackendURL = v
	}
	if v := os.Getenv("VIBEPROXY_MANAGEMENT_ORIGIN"); v != "" {
		cfg.Upstream.ManagementOrigin = v
	}
	if v := os.Getenv("VIBEPROXY_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("VIBEPROXY_USAGE_DB"); v != "" {
		cfg.Usage.DBPath = v
	}
	if v := os.Getenv("VIBEPROXY_TELEMETRY_LOG"); v != "" {
		cfg.Monitoring.Enabled = true
		cfg.Monitoring.LogPath = v
	}
}

// Validate checks invariants that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Upstream.BackendURL, "http://") && !strings.HasPrefix(c.Upstream.BackendURL, "https://") {
		return fmt.Errorf("backend_url must be an http(s) URL, got %q", c.Upstream.BackendURL)
	}
	if c.Upstream.ManagementOrigin == "" {
		return fmt.Errorf("management_origin must not be empty")
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = DefaultGatewayOrigin
	}
	if c.Upstream.LoginOrigin == "" {
		c.Upstream.LoginOrigin = c.Upstream.ManagementOrigin
	}
	return nil
}

// NativeEndpoint resolves the management usage API endpoint.
func (c *Config) NativeEndpoint() string {
	if c.Native.Endpoint != "" {
		return c.Native.Endpoint
	}
	return strings.TrimRight(c.Upstream.BackendURL, "/") + "/v0/management/usage"
}
