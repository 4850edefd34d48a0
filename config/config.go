package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/runwatch/backlog"
	"github.com/c360/runwatch/ingress"
)

// Registry backend constants
const (
	RegistryModeMemory = "memory" // Process-local, single-instance deployments
	RegistryModeNATS   = "nats"   // Relay over NATS, multi-instance deployments
)

// Backlog backend constants
const (
	BacklogModeMemory    = "memory"    // Per-scope ring buffers
	BacklogModeJetStream = "jetstream" // Durable per-scope JetStream retention
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Ingress  IngressConfig  `json:"ingress" yaml:"ingress"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	Backlog  BacklogConfig  `json:"backlog" yaml:"backlog"`
}

// ServerConfig holds the HTTP listener and per-connection timing knobs.
type ServerConfig struct {
	Addr              string   `json:"addr" yaml:"addr"`
	PingInterval      Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	PongWait          Duration `json:"pong_wait,omitempty" yaml:"pong_wait,omitempty"`
	WriteTimeout      Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
}

// IngressConfig holds broadcast ingress authentication and limits.
// APIKey typically arrives via environment expansion, e.g. "${RUNWATCH_API_KEY}".
type IngressConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	MaxRequestSize int64  `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`
}

// RegistryConfig selects the connection registry backend.
type RegistryConfig struct {
	Mode string     `json:"mode" yaml:"mode"`
	NATS NATSConfig `json:"nats,omitempty" yaml:"nats,omitempty"`
}

// NATSConfig holds connection parameters for the NATS backbone. Shared by the
// relay registry and the JetStream backlog store.
type NATSConfig struct {
	URL            string   `json:"url" yaml:"url"`
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects  int      `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait  Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
}

// BacklogConfig selects the backlog store backend and its retention bounds.
type BacklogConfig struct {
	Mode       string   `json:"mode" yaml:"mode"`
	PerScope   int      `json:"per_scope,omitempty" yaml:"per_scope,omitempty"`
	StreamName string   `json:"stream_name,omitempty" yaml:"stream_name,omitempty"`
	MaxAge     Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// Load reads a configuration file, expands ${VAR} environment references, and
// decodes it by extension (.yaml/.yml as YAML, anything else as JSON).
// Defaults are applied but validation is the caller's call.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills unset fields with operational defaults.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Ingress.MaxRequestSize == 0 {
		c.Ingress.MaxRequestSize = ingress.DefaultMaxRequestSize
	}
	if c.Registry.Mode == "" {
		c.Registry.Mode = RegistryModeMemory
	}
	if c.Registry.NATS.URL == "" {
		c.Registry.NATS.URL = "nats://localhost:4222"
	}
	if c.Backlog.Mode == "" {
		c.Backlog.Mode = BacklogModeMemory
	}
	if c.Backlog.PerScope == 0 {
		c.Backlog.PerScope = backlog.DefaultPerScope
	}
	if c.Backlog.StreamName == "" {
		c.Backlog.StreamName = backlog.DefaultStreamName
	}
}

// Validate checks the configuration for operational soundness.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Ingress.APIKey == "" {
		return fmt.Errorf("ingress.api_key is required")
	}
	if c.Ingress.MaxRequestSize < 0 {
		return fmt.Errorf("ingress.max_request_size must be positive")
	}

	switch c.Registry.Mode {
	case RegistryModeMemory:
	case RegistryModeNATS:
		if c.Registry.NATS.URL == "" {
			return fmt.Errorf("registry.nats.url is required for nats mode")
		}
	default:
		return fmt.Errorf("registry.mode must be %q or %q, got %q",
			RegistryModeMemory, RegistryModeNATS, c.Registry.Mode)
	}

	switch c.Backlog.Mode {
	case BacklogModeMemory:
	case BacklogModeJetStream:
		if c.Registry.Mode != RegistryModeNATS {
			return fmt.Errorf("backlog.mode %q requires registry.mode %q",
				BacklogModeJetStream, RegistryModeNATS)
		}
	default:
		return fmt.Errorf("backlog.mode must be %q or %q, got %q",
			BacklogModeMemory, BacklogModeJetStream, c.Backlog.Mode)
	}
	if c.Backlog.PerScope < 0 {
		return fmt.Errorf("backlog.per_scope must be positive")
	}

	return nil
}

// Duration wraps time.Duration so config files can use Go duration strings
// ("30s", "1m30s") in both JSON and YAML.
type Duration time.Duration

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.decode(raw)
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.decode(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) decode(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	case int:
		*d = Duration(time.Duration(v))
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", raw)
	}
}
