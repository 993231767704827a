package graphql

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Configuration loading errors.
var (
	ErrConfigNotFound = errors.New("graphql: configuration file not found")
	ErrInvalidConfig  = errors.New("graphql: invalid configuration")
)

// LoadConfig reads a server Config from a YAML or JSON file. A relative
// schemaFile is resolved against the directory of the config file.
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
	if cfg.SchemaFile != "" && !filepath.IsAbs(cfg.SchemaFile) {
		cfg.SchemaFile = filepath.Join(filepath.Dir(path), cfg.SchemaFile)
	}
	return cfg, nil
}

// ParseConfig decodes a server Config. JSON is accepted as a YAML subset.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Schema == "" && cfg.SchemaFile == "" {
		return nil, fmt.Errorf("%w: schema or schemaFile is required", ErrInvalidConfig)
	}
	if cfg.Schema != "" && cfg.SchemaFile != "" {
		return nil, fmt.Errorf("%w: schema and schemaFile are mutually exclusive", ErrInvalidConfig)
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &cfg, nil
}
