// Package config provides configuration management for the renft server.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the renft server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig contains storage-related settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig contains event feed settings.
type EventsConfig struct {
	Buffer int `yaml:"buffer"` // per-subscriber channel depth
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".renftd", "data")

	return &Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:7475",
		},
		Storage: StorageConfig{
			Path: dataPath,
		},
		Events: EventsConfig{
			Buffer: 64,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".renftd", "config.yaml")
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
