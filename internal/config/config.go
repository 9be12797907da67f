// Package config handles client configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	Remote  RemoteConfig  `json:"remote" yaml:"remote"`
	Session SessionConfig `json:"session" yaml:"session"`
	Channel ChannelConfig `json:"channel" yaml:"channel"`
	Events  EventsConfig  `json:"events" yaml:"events"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Client  ClientConfig  `json:"client" yaml:"client"`
}

// RemoteConfig defines how the client reaches the service.
type RemoteConfig struct {
	BaseURL       string   `json:"base_url" yaml:"base_url" env:"TETHER_BASE_URL"`
	ChannelURL    string   `json:"channel_url,omitempty" yaml:"channel_url,omitempty" env:"TETHER_CHANNEL_URL"` // default: base_url with ws scheme + /ws
	Timeout       Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" env:"TETHER_TIMEOUT"`
	TLSSkipVerify bool     `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty" env:"TETHER_TLS_SKIP_VERIFY"` // dev only
	JWKSURL       string   `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty" env:"TETHER_JWKS_URL"`                      // enables local signature checks
}

// SessionConfig controls refresh retries and verification.
type SessionConfig struct {
	RefreshRetries   *int     `json:"refresh_retries,omitempty" yaml:"refresh_retries,omitempty"`
	RefreshBaseDelay Duration `json:"refresh_base_delay,omitempty" yaml:"refresh_base_delay,omitempty"`
	VerifyCooldown   Duration `json:"verify_cooldown,omitempty" yaml:"verify_cooldown,omitempty" env:"TETHER_VERIFY_COOLDOWN"`
	LoginGrace       Duration `json:"login_grace,omitempty" yaml:"login_grace,omitempty"`
}

// ChannelConfig controls the realtime channel.
type ChannelConfig struct {
	HeartbeatInterval    Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
	ReconnectBaseDelay   Duration `json:"reconnect_base_delay,omitempty" yaml:"reconnect_base_delay,omitempty"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts,omitempty"`
	ConnectCooldown      Duration `json:"connect_cooldown,omitempty" yaml:"connect_cooldown,omitempty"`
	HandshakeTimeout     Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
}

// EventsConfig controls the event bus.
type EventsConfig struct {
	Cooldown *Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"` // 0 disables duplicate suppression
}

// StoreConfig selects the durable session store.
type StoreConfig struct {
	Driver    string `json:"driver,omitempty" yaml:"driver,omitempty" env:"TETHER_STORE_DRIVER"` // sqlite (default), postgres, redis, memory
	DSN       string `json:"dsn,omitempty" yaml:"dsn,omitempty" env:"TETHER_STORE_DSN"`          // default: <data_dir>/session.db for sqlite
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// ClientConfig holds process-level settings.
type ClientConfig struct {
	LogLevel    string `json:"log_level,omitempty" yaml:"log_level,omitempty" env:"TETHER_LOG_LEVEL"`
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty" env:"TETHER_METRICS_ADDR"` // empty disables the metrics server
	DataDir     string `json:"data_dir,omitempty" yaml:"data_dir,omitempty" env:"TETHER_DATA_DIR"`             // default: ~/.tether
}

// Duration is a config-friendly time.Duration (accepts strings like "30s",
// "5m", or a number of seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(s string) error {
	return d.set(s)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// Load reads a JSON or YAML config file, applies TETHER_* environment
// overrides, validates it and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(&cfg)
}

// FromEnv builds a config from TETHER_* environment variables alone.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote.base_url must be an http or https URL")
	}
	if c.Remote.ChannelURL != "" {
		u, err := url.Parse(c.Remote.ChannelURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("remote.channel_url must be a ws or wss URL")
		}
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres, redis, or memory")
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "redis") && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
	}
	switch c.Client.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("client.log_level must be debug, info, warn, or error")
	}
	if r := c.Session.RefreshRetries; r != nil && *r < 0 {
		return fmt.Errorf("session.refresh_retries must not be negative")
	}
	if c.Channel.MaxReconnectAttempts < 0 {
		return fmt.Errorf("channel.max_reconnect_attempts must not be negative")
	}
	if c.Events.Cooldown != nil && c.Events.Cooldown.Duration < 0 {
		return fmt.Errorf("events.cooldown must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Remote.BaseURL = strings.TrimRight(c.Remote.BaseURL, "/")
	if c.Remote.ChannelURL == "" {
		c.Remote.ChannelURL = channelURL(c.Remote.BaseURL)
	}
	if c.Remote.Timeout.Duration == 0 {
		c.Remote.Timeout.Duration = 15 * time.Second
	}

	if c.Session.RefreshRetries == nil {
		n := 2
		c.Session.RefreshRetries = &n
	}
	if c.Session.RefreshBaseDelay.Duration == 0 {
		c.Session.RefreshBaseDelay.Duration = time.Second
	}
	if c.Session.VerifyCooldown.Duration == 0 {
		c.Session.VerifyCooldown.Duration = 5 * time.Minute
	}
	if c.Session.LoginGrace.Duration == 0 {
		c.Session.LoginGrace.Duration = 30 * time.Second
	}

	if c.Channel.HeartbeatInterval.Duration == 0 {
		c.Channel.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Channel.ReconnectBaseDelay.Duration == 0 {
		c.Channel.ReconnectBaseDelay.Duration = 2 * time.Second
	}
	if c.Channel.MaxReconnectAttempts == 0 {
		c.Channel.MaxReconnectAttempts = 3
	}
	if c.Channel.ConnectCooldown.Duration == 0 {
		c.Channel.ConnectCooldown.Duration = 5 * time.Second
	}
	if c.Channel.HandshakeTimeout.Duration == 0 {
		c.Channel.HandshakeTimeout.Duration = 10 * time.Second
	}

	if c.Events.Cooldown == nil {
		c.Events.Cooldown = &Duration{Duration: 500 * time.Millisecond}
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "tether:"
	}
	if c.Client.LogLevel == "" {
		c.Client.LogLevel = "info"
	}
}

// channelURL derives the realtime endpoint from the HTTP base URL.
func channelURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}
