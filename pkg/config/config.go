// Package config holds daemon configuration: struct-tag defaults, an
// optional YAML overlay, and logger construction.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// EventBuffer is the capacity of the state-event monitor stream.
	EventBuffer int `yaml:"event_buffer" default:"128"`

	// LoopDepth is the daemon loop's task queue depth.
	LoopDepth int `yaml:"loop_depth" default:"128"`

	// AuthTimeout bounds how long an authorization decision may stay
	// pending before the daemon's authorizer rejects it.
	AuthTimeout Duration `yaml:"auth_timeout"`
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	c.AuthTimeout = Duration(30 * time.Second)
	return c
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: invalid log level %q", c.LogLevel)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
