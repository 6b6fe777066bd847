// Package config holds the daemon configuration. Values come from an
// optional YAML file with env-derived defaults for everything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath      string        `yaml:"socket_path"`
	DBPath          string        `yaml:"db_path"`
	StreamDir       string        `yaml:"stream_dir"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:      defaultSocketPath(),
		DBPath:          defaultDBPath(),
		StreamDir:       defaultStreamDir(),
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load reads a YAML config file over the defaults. An empty path or a
// missing file yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "sessiond", "sessiond.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessiond.sock"
	}
	return filepath.Join(home, ".local", "state", "sessiond", "sessiond.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sessiond.db"
	}
	return filepath.Join(home, ".local", "state", "sessiond", "workspace.db")
}

func defaultStreamDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sessiond-streams"
	}
	return filepath.Join(home, ".local", "state", "sessiond", "streams")
}
