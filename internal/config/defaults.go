package config

import "time"

// Backend and transport names accepted in the configuration
const (
	BackendDaemon = "daemon"
	BackendMemory = "memory"

	TransportDaemon = "daemon"
	TransportLibp2p = "libp2p"
	TransportMemory = "memory"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "",
			Port:      10000,
			PortRange: 100,
			Timeouts: TimeoutConfig{
				Read:       Duration{15 * time.Second},
				Write:      Duration{15 * time.Second},
				Idle:       Duration{60 * time.Second},
				ReadHeader: Duration{5 * time.Second},
			},
			MaxHeaderBytes: 1048576, // 1 MB
		},
		WebSocket: WebSocketConfig{
			CheckOrigin:     false, // Allow all origins by default
			AllowedOrigins:  []string{},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendQueue:       100,
			MaxMessageBytes: 1 << 20,
			WriteTimeout:    Duration{10 * time.Second},
			PongTimeout:     Duration{60 * time.Second},
		},
		Auth: AuthConfig{
			Issuer:   "",
			Audience: "",
			Leeway:   Duration{30 * time.Second},
		},
		RateLimit: RateLimitConfig{
			EventsPerSecond: 20,
			Burst:           40,
		},
		Content: ContentConfig{
			Backend:        BackendDaemon,
			APIAddress:     "localhost:5001",
			GatewayURL:     "https://ipfs.io",
			RequestTimeout: Duration{10 * time.Second},
		},
		Messenger: MessengerConfig{
			Transport:   TransportDaemon,
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			Bootstrap:   []string{},
			MDNS:        true,
			DHT:         false,
			KeyFile:     "",
			HistoryPath: "data/history",
		},
		Database: DatabaseConfig{
			Path: "data/scholar-hub.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Behavior: BehaviorConfig{
			Verbosity: 0,
		},
	}
}
