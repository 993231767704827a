package gqltest

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getmockd/gqltest/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Configuration errors.
var (
	ErrConfigNotFound = errors.New("gqltest: configuration file not found")
	ErrInvalidConfig  = errors.New("gqltest: invalid configuration")
)

// Config is the file form of the client options.
//
//	path: /graphql
//	protocol: graphql-transport-ws
//	handshakeTimeout: 5s
//	writeTimeout: 5s
//	subscribeGrace: 50ms
//	log:
//	  level: debug
//	  format: json
type Config struct {
	Path             string    `yaml:"path,omitempty" json:"path,omitempty"`
	Protocol         string    `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	HandshakeTimeout string    `yaml:"handshakeTimeout,omitempty" json:"handshakeTimeout,omitempty"`
	WriteTimeout     string    `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	SubscribeGrace   string    `yaml:"subscribeGrace,omitempty" json:"subscribeGrace,omitempty"`
	Log              LogConfig `yaml:"log,omitempty" json:"log,omitempty"`
}

// LogConfig selects the logger built by Config.Options. An empty level
// keeps logging disabled.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// LoadConfig reads a Config from a YAML or JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a Config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := cfg.Options(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Options converts the config into client options.
func (c *Config) Options() ([]Option, error) {
	var opts []Option

	if c.Path != "" {
		opts = append(opts, WithPath(c.Path))
	}

	switch Protocol(c.Protocol) {
	case "":
	case ProtocolTransportWS, ProtocolLegacyWS:
		opts = append(opts, WithProtocol(Protocol(c.Protocol)))
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, c.Protocol)
	}

	durations := []struct {
		name  string
		value string
		apply func(time.Duration) Option
	}{
		{"handshakeTimeout", c.HandshakeTimeout, WithHandshakeTimeout},
		{"writeTimeout", c.WriteTimeout, WithWriteTimeout},
		{"subscribeGrace", c.SubscribeGrace, WithSubscribeGrace},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%w: %s %q is not a valid duration", ErrInvalidConfig, d.name, d.value)
		}
		opts = append(opts, d.apply(v))
	}

	if c.Log.Level != "" {
		opts = append(opts, WithLogger(logging.New(logging.Config{
			Level:  logging.ParseLevel(c.Log.Level),
			Format: logging.ParseFormat(c.Log.Format),
			Output: os.Stderr,
		})))
	}

	return opts, nil
}
