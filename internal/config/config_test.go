package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalJSON_String(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"30s"`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 30*time.Second {
		t.Errorf("expected 30s, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalJSON_Number(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`1.5`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalJSON_Invalid(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatal("expected error for invalid duration string")
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Fatal("expected error for boolean duration")
	}
}

func TestDuration_YAML(t *testing.T) {
	var v struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: 5m\nb: 10\n"), &v); err != nil {
		t.Fatal(err)
	}
	if v.A.Duration != 5*time.Minute || v.B.Duration != 10*time.Second {
		t.Errorf("got %v / %v", v.A.Duration, v.B.Duration)
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	data, err := json.Marshal(Duration{Duration: 45 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	var d Duration
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 45*time.Second {
		t.Errorf("round trip: got %v", d.Duration)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "tether.json", `{"remote": {"base_url": "https://api.example.com/"}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Remote.BaseURL != "https://api.example.com" {
		t.Errorf("base_url = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.ChannelURL != "wss://api.example.com/ws" {
		t.Errorf("channel_url = %q", cfg.Remote.ChannelURL)
	}
	if *cfg.Session.RefreshRetries != 2 {
		t.Errorf("refresh_retries = %d", *cfg.Session.RefreshRetries)
	}
	if cfg.Session.RefreshBaseDelay.Duration != time.Second {
		t.Errorf("refresh_base_delay = %v", cfg.Session.RefreshBaseDelay)
	}
	if cfg.Session.VerifyCooldown.Duration != 5*time.Minute {
		t.Errorf("verify_cooldown = %v", cfg.Session.VerifyCooldown)
	}
	if cfg.Session.LoginGrace.Duration != 30*time.Second {
		t.Errorf("login_grace = %v", cfg.Session.LoginGrace)
	}
	if cfg.Channel.HeartbeatInterval.Duration != 30*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.Channel.HeartbeatInterval)
	}
	if cfg.Channel.ReconnectBaseDelay.Duration != 2*time.Second {
		t.Errorf("reconnect_base_delay = %v", cfg.Channel.ReconnectBaseDelay)
	}
	if cfg.Channel.MaxReconnectAttempts != 3 {
		t.Errorf("max_reconnect_attempts = %d", cfg.Channel.MaxReconnectAttempts)
	}
	if cfg.Channel.ConnectCooldown.Duration != 5*time.Second {
		t.Errorf("connect_cooldown = %v", cfg.Channel.ConnectCooldown)
	}
	if cfg.Events.Cooldown.Duration != 500*time.Millisecond {
		t.Errorf("events.cooldown = %v", cfg.Events.Cooldown)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("store.driver = %q", cfg.Store.Driver)
	}
	if cfg.Client.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.Client.LogLevel)
	}
}

func TestLoad_ExplicitZeroes(t *testing.T) {
	cfg, err := Load(writeFile(t, "tether.json", `{
		"remote": {"base_url": "http://localhost:8080"},
		"session": {"refresh_retries": 0},
		"events": {"cooldown": "0s"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if *cfg.Session.RefreshRetries != 0 {
		t.Errorf("refresh_retries = %d, want 0", *cfg.Session.RefreshRetries)
	}
	if cfg.Events.Cooldown.Duration != 0 {
		t.Errorf("events.cooldown = %v, want 0", cfg.Events.Cooldown)
	}
	if cfg.Remote.ChannelURL != "ws://localhost:8080/ws" {
		t.Errorf("channel_url = %q", cfg.Remote.ChannelURL)
	}
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "tether.yaml", `
remote:
  base_url: https://api.example.com
  channel_url: wss://push.example.com/socket
channel:
  heartbeat_interval: 15s
  max_reconnect_attempts: 5
store:
  driver: memory
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.ChannelURL != "wss://push.example.com/socket" {
		t.Errorf("channel_url = %q", cfg.Remote.ChannelURL)
	}
	if cfg.Channel.HeartbeatInterval.Duration != 15*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.Channel.HeartbeatInterval)
	}
	if cfg.Channel.MaxReconnectAttempts != 5 {
		t.Errorf("max_reconnect_attempts = %d", cfg.Channel.MaxReconnectAttempts)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TETHER_BASE_URL", "https://override.example.com")
	t.Setenv("TETHER_VERIFY_COOLDOWN", "1m")
	t.Setenv("TETHER_LOG_LEVEL", "debug")

	cfg, err := Load(writeFile(t, "tether.json", `{"remote": {"base_url": "https://file.example.com"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.BaseURL != "https://override.example.com" {
		t.Errorf("base_url = %q", cfg.Remote.BaseURL)
	}
	if cfg.Session.VerifyCooldown.Duration != time.Minute {
		t.Errorf("verify_cooldown = %v", cfg.Session.VerifyCooldown)
	}
	if cfg.Client.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.Client.LogLevel)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TETHER_BASE_URL", "https://env.example.com")
	t.Setenv("TETHER_STORE_DRIVER", "memory")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != "memory" || cfg.Remote.ChannelURL != "wss://env.example.com/ws" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"missing base url", `{}`, "remote.base_url is required"},
		{"bad scheme", `{"remote": {"base_url": "ftp://x"}}`, "http or https"},
		{"bad channel url", `{"remote": {"base_url": "https://x", "channel_url": "https://x/ws"}}`, "ws or wss"},
		{"bad driver", `{"remote": {"base_url": "https://x"}, "store": {"driver": "mongo"}}`, "store.driver"},
		{"redis without dsn", `{"remote": {"base_url": "https://x"}, "store": {"driver": "redis"}}`, "store.dsn"},
		{"bad log level", `{"remote": {"base_url": "https://x"}, "client": {"log_level": "trace"}}`, "log_level"},
		{"negative retries", `{"remote": {"base_url": "https://x"}, "session": {"refresh_retries": -1}}`, "refresh_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "tether.json", tt.json))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error")
	}
}
