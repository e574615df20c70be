package config

import "time"

// Config holds all server configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"rateLimit"`
	Content   ContentConfig   `toml:"content"`
	Messenger MessengerConfig `toml:"messenger"`
	Database  DatabaseConfig  `toml:"database"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Behavior  BehaviorConfig  `toml:"behavior"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	PortRange      int           `toml:"portRange"`
	Timeouts       TimeoutConfig `toml:"timeouts"`
	MaxHeaderBytes int           `toml:"maxHeaderBytes"`
}

// TimeoutConfig holds timeout settings
type TimeoutConfig struct {
	Read       Duration `toml:"read"`
	Write      Duration `toml:"write"`
	Idle       Duration `toml:"idle"`
	ReadHeader Duration `toml:"readHeader"`
}

// WebSocketConfig holds live-session connection settings
type WebSocketConfig struct {
	CheckOrigin     bool     `toml:"checkOrigin"`
	AllowedOrigins  []string `toml:"allowedOrigins"`
	ReadBufferSize  int      `toml:"readBufferSize"`
	WriteBufferSize int      `toml:"writeBufferSize"`
	SendQueue       int      `toml:"sendQueue"`
	MaxMessageBytes int64    `toml:"maxMessageBytes"`
	WriteTimeout    Duration `toml:"writeTimeout"`
	PongTimeout     Duration `toml:"pongTimeout"`
}

// AuthConfig holds bearer-token verification settings
type AuthConfig struct {
	JWTSecret string   `toml:"jwtSecret"`
	Issuer    string   `toml:"issuer"`
	Audience  string   `toml:"audience"`
	Leeway    Duration `toml:"leeway"`
}

// RateLimitConfig bounds inbound events per connection
type RateLimitConfig struct {
	EventsPerSecond float64 `toml:"eventsPerSecond"`
	Burst           int     `toml:"burst"`
}

// ContentConfig selects and configures the content store daemon
type ContentConfig struct {
	Backend        string   `toml:"backend"` // "daemon" or "memory"
	APIAddress     string   `toml:"apiAddress"`
	GatewayURL     string   `toml:"gatewayURL"`
	RequestTimeout Duration `toml:"requestTimeout"`
}

// MessengerConfig selects the pub/sub transport and history location
type MessengerConfig struct {
	Transport   string   `toml:"transport"` // "daemon", "libp2p" or "memory"
	ListenAddrs []string `toml:"listenAddrs"`
	Bootstrap   []string `toml:"bootstrap"`
	MDNS        bool     `toml:"mdns"`
	DHT         bool     `toml:"dht"`
	KeyFile     string   `toml:"keyFile"`
	HistoryPath string   `toml:"historyPath"`
}

// DatabaseConfig locates the relational store
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// BehaviorConfig holds application behavior settings
type BehaviorConfig struct {
	Verbosity int `toml:"verbosity"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
