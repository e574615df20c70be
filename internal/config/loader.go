package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const ConfigFileName = "scholar-hub.toml"

// Environment variables that override file values
const (
	EnvJWTSecret = "SCHOLAR_HUB_JWT_SECRET"
	EnvDatabase  = "SCHOLAR_HUB_DATABASE"
	EnvIPFSAPI   = "SCHOLAR_HUB_IPFS_API"
)

// LoadFromFile loads configuration from a TOML file
// Returns default config if file doesn't exist
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		configPath = ConfigFileName
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		// No config file, return defaults
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Parse decodes TOML content over the defaults
func Parse(content string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from envFile into the process environment.
// A missing file is not an error; variables already set are left untouched.
func LoadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto the configuration
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvDatabase); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvIPFSAPI); ok && v != "" {
		c.Content.APIAddress = v
	}
}

// Merge merges command-line flags into configuration
// Flags take precedence over config file values
func (c *Config) Merge(port int, verbosity int) {
	// Only override if flag was explicitly set
	if port != 0 {
		c.Server.Port = port
	}

	// verbosity flag overrides config
	if verbosity > 0 {
		c.Behavior.Verbosity = verbosity
	}
}

// Validate checks if configuration values are valid
func (c *Config) Validate() error {
	// Validate port
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Server.Port)
	}

	// Validate port range
	if c.Server.PortRange < 1 {
		return fmt.Errorf("invalid port range: %d (must be >= 1)", c.Server.PortRange)
	}

	// Validate timeouts (should be positive)
	if c.Server.Timeouts.Read.Duration < 0 {
		return fmt.Errorf("invalid read timeout: %v (must be positive)", c.Server.Timeouts.Read)
	}
	if c.Server.Timeouts.Write.Duration < 0 {
		return fmt.Errorf("invalid write timeout: %v (must be positive)", c.Server.Timeouts.Write)
	}
	if c.WebSocket.PongTimeout.Duration <= 0 {
		return fmt.Errorf("invalid pong timeout: %v (must be positive)", c.WebSocket.PongTimeout)
	}
	if c.WebSocket.SendQueue < 1 {
		return fmt.Errorf("invalid send queue size: %d (must be >= 1)", c.WebSocket.SendQueue)
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwtSecret is empty (set it in the config file or %s)", EnvJWTSecret)
	}

	if c.RateLimit.EventsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("invalid rate limit: %v/s burst %d", c.RateLimit.EventsPerSecond, c.RateLimit.Burst)
	}

	switch c.Content.Backend {
	case BackendDaemon, BackendMemory:
	default:
		return fmt.Errorf("unknown content backend: %q", c.Content.Backend)
	}

	switch c.Messenger.Transport {
	case TransportDaemon:
		if c.Content.Backend != BackendDaemon {
			return fmt.Errorf("messenger transport %q requires content backend %q", TransportDaemon, BackendDaemon)
		}
	case TransportLibp2p, TransportMemory:
	default:
		return fmt.Errorf("unknown messenger transport: %q", c.Messenger.Transport)
	}

	if c.Messenger.HistoryPath == "" {
		return fmt.Errorf("messenger.historyPath cannot be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/': %q", c.Metrics.Path)
	}

	return nil
}
