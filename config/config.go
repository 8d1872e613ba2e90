package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/groupmock/errors"
)

// Transport modes
const (
	ModeRelay = "relay"
	ModePeer  = "peer"
)

// Duration wraps time.Duration so config files can say "10s" instead of
// nanosecond integers.
type Duration time.Duration

// UnmarshalYAML parses either a duration string ("250ms", "10s") or a
// bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config configures a client-side coordinator: which transport mode to
// use and how to reach it.
type Config struct {
	Mode  string      `yaml:"mode"`
	Relay RelayConfig `yaml:"relay,omitempty"`
	Peer  PeerConfig  `yaml:"peer,omitempty"`
}

// RelayConfig holds WebSocket relay client settings.
type RelayConfig struct {
	URL              string   `yaml:"url"`
	HandshakeTimeout Duration `yaml:"handshake_timeout,omitempty"`
	WriteTimeout     Duration `yaml:"write_timeout,omitempty"`
}

// PeerConfig holds NATS peer group settings.
type PeerConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name,omitempty"`
}

// Default returns a relay-mode config pointing at a local relay.
func Default() Config {
	return Config{
		Mode: ModeRelay,
		Relay: RelayConfig{
			URL:              "ws://localhost:8080/ws",
			HandshakeTimeout: Duration(10 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
		},
		Peer: PeerConfig{
			URL:     "nats://localhost:4222",
			Subject: "groupmock.commands",
		},
	}
}

// Validate checks the config is usable for its selected mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeRelay:
		if c.Relay.URL == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"relay.url is required in relay mode")
		}
	case ModePeer:
		if c.Peer.URL == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"peer.url is required in peer mode")
		}
		if c.Peer.Subject == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"peer.subject is required in peer mode")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown mode %q", c.Mode))
	}
	return nil
}

// ServerConfig configures the standalone relay binary.
type ServerConfig struct {
	// Port the WebSocket listener binds. 0 picks an ephemeral port.
	Port int `yaml:"port"`
	// Path of the WebSocket endpoint.
	Path string `yaml:"path,omitempty"`
	// MetricsPort serves Prometheus metrics and health. 0 disables it.
	MetricsPort int `yaml:"metrics_port,omitempty"`
	// RateLimit caps commands per second per connection. 0 means unlimited.
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	// RateBurst is the per-connection burst allowance.
	RateBurst int `yaml:"rate_burst,omitempty"`
	// WriteTimeout bounds each notification write.
	WriteTimeout Duration `yaml:"write_timeout,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// DefaultServer returns the relay binary defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:         8080,
		Path:         "/ws",
		MetricsPort:  9090,
		RateLimit:    100,
		RateBurst:    200,
		WriteTimeout: Duration(10 * time.Second),
		LogLevel:     "info",
	}
}

// Validate checks the server config.
func (c ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServerConfig", "Validate",
			fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServerConfig", "Validate",
			fmt.Sprintf("metrics_port %d out of range", c.MetricsPort))
	}
	if c.RateLimit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServerConfig", "Validate",
			"rate_limit cannot be negative")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServerConfig", "Validate",
			fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	return nil
}

// Load reads a coordinator config file, applying defaults for fields
// the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := loadInto(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadServer reads a relay server config file, applying defaults for
// fields the file omits.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadInto(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func loadInto(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapFatal(err, "config", "loadInto", "read config file")
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.WrapInvalid(err, "config", "loadInto", "parse config file")
	}
	return nil
}
