// Package config loads and validates the rig daemon configuration.
// Files may be JSON or YAML; environment variables override the NATS
// URL and metrics port for containerized deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/boyuan99/three-maze-sub000/errors"
)

// Environment variable overrides
const (
	EnvNATSURL     = "RIG_NATS_URL"
	EnvMetricsPort = "RIG_METRICS_PORT"
)

// Config is the complete daemon configuration.
type Config struct {
	Rig     RigConfig     `json:"rig" yaml:"rig"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Events  EventsConfig  `json:"events" yaml:"events"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Experiment carries per-experiment defaults keyed by experiment
	// name, merged under the config sent with load-experiment.
	Experiment map[string]RawSection `json:"experiment,omitempty" yaml:"experiment,omitempty"`
}

// RigConfig identifies this rig.
type RigConfig struct {
	Name    string `json:"name" yaml:"name"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	DataDir string `json:"dataDir" yaml:"dataDir"`
}

// NATSConfig configures the control-plane connection.
type NATSConfig struct {
	URL            string   `json:"url" yaml:"url"`
	MaxReconnects  int      `json:"maxReconnects" yaml:"maxReconnects"`
	ReconnectWait  Duration `json:"reconnectWait" yaml:"reconnectWait"`
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connectTimeout"`
	RequestTimeout Duration `json:"requestTimeout" yaml:"requestTimeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// EventsConfig configures the WebSocket event bridge.
type EventsConfig struct {
	WebSocketEnabled bool `json:"websocketEnabled" yaml:"websocketEnabled"`
	WebSocketPort    int  `json:"websocketPort" yaml:"websocketPort"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Rig: RigConfig{
			Name:    "rig",
			DataDir: "data",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
			RequestTimeout: Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
			Path:    "/metrics",
		},
		Events: EventsConfig{
			WebSocketEnabled: false,
			WebSocketPort:    8765,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a config file, applies defaults for unset fields, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "Config", "Load", "file read")
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapInvalid(err, "Config", "Load", "YAML decode")
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapInvalid(err, "Config", "Load", "JSON decode")
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv(EnvNATSURL); url != "" {
		c.NATS.URL = url
	}
	if port := os.Getenv(EnvMetricsPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Metrics.Port = p
		}
	}
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if c.Rig.Name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: rig.name", errors.ErrMissingConfig),
			"Config", "Validate", "rig section")
	}
	if c.NATS.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nats.url", errors.ErrMissingConfig),
			"Config", "Validate", "nats section")
	}
	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nats.url must start with nats:// or tls://", errors.ErrInvalidConfig),
			"Config", "Validate", "nats section")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics.port %d", errors.ErrInvalidConfig, c.Metrics.Port),
			"Config", "Validate", "metrics section")
	}
	if c.Events.WebSocketEnabled && (c.Events.WebSocketPort < 1 || c.Events.WebSocketPort > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: events.websocketPort %d", errors.ErrInvalidConfig, c.Events.WebSocketPort),
			"Config", "Validate", "events section")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: logging.level %q", errors.ErrInvalidConfig, c.Logging.Level),
			"Config", "Validate", "logging section")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: logging.format %q", errors.ErrInvalidConfig, c.Logging.Format),
			"Config", "Validate", "logging section")
	}
	return nil
}

// Subject returns the NATS subject root for this rig, defaulting to
// "rig".
func (c *Config) SubjectRoot() string {
	if c.Rig.Subject != "" {
		return c.Rig.Subject
	}
	return "rig"
}

// ExperimentDefaults returns the configured defaults for an experiment,
// or nil.
func (c *Config) ExperimentDefaults(name string) json.RawMessage {
	return c.Experiment[name].JSON()
}
