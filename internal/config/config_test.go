package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func TestDefaultsNeedOnlyASecret(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing secret to fail validation")
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("defaults with secret should validate: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[server]
port = 12000

[websocket]
pongTimeout = "5s"

[content]
backend = "memory"

[messenger]
transport = "memory"
historyPath = "/tmp/history"

[auth]
jwtSecret = "s3cret"
`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.Port != 12000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.WebSocket.PongTimeout.Duration != 5*time.Second {
		t.Errorf("pongTimeout = %v", cfg.WebSocket.PongTimeout)
	}
	if cfg.Server.PortRange != 100 {
		t.Errorf("unset values should keep defaults, portRange = %d", cfg.Server.PortRange)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadFromFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Server.Port != DefaultConfig().Server.Port {
		t.Fatalf("expected default port")
	}
}

func TestLoadFromFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte("[content]\nrequestTimeout = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatalf("expected parse error for invalid duration")
	}
}

func TestApplyEnvAndMerge(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		EnvJWTSecret: "from-env",
		EnvDatabase:  "/var/lib/hub.db",
		EnvIPFSAPI:   "ipfs:5001",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	cfg.Merge(15000, 2)

	if cfg.Auth.JWTSecret != "from-env" || cfg.Database.Path != "/var/lib/hub.db" || cfg.Content.APIAddress != "ipfs:5001" {
		t.Fatalf("env overlay not applied: %+v", cfg)
	}
	if cfg.Server.Port != 15000 || cfg.Behavior.Verbosity != 2 {
		t.Fatalf("flags not merged: port=%d verbosity=%d", cfg.Server.Port, cfg.Behavior.Verbosity)
	}

	cfg.Merge(0, 0)
	if cfg.Server.Port != 15000 {
		t.Fatalf("zero flag values must not override")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnvFile(filepath.Join(dir, ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SCHOLAR_HUB_TEST_ONLY=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SCHOLAR_HUB_TEST_ONLY") })
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if os.Getenv("SCHOLAR_HUB_TEST_ONLY") != "loaded" {
		t.Fatalf("variable not loaded")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":            func(c *Config) { c.Server.Port = 70000 },
		"bad port range":      func(c *Config) { c.Server.PortRange = 0 },
		"unknown backend":     func(c *Config) { c.Content.Backend = "s3" },
		"unknown transport":   func(c *Config) { c.Messenger.Transport = "carrier-pigeon" },
		"daemon pubsub w/mem": func(c *Config) { c.Content.Backend = BackendMemory },
		"zero rate":           func(c *Config) { c.RateLimit.EventsPerSecond = 0 },
		"metrics path":        func(c *Config) { c.Metrics.Path = "metrics" },
		"empty history":       func(c *Config) { c.Messenger.HistoryPath = "" },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
