// Package config loads the optional user configuration from
// config.toml in the data directory and resolves the daemon's on-disk
// layout.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Daemon DaemonConfig `toml:"daemon"`
	HTTP   HTTPConfig   `toml:"http"`
}

type DaemonConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// Command is the assistant command line run in every session.
	Command string `toml:"command"`
	// LoginShell wraps the command in the user's login interactive
	// shell so the child sees the full profile PATH.
	LoginShell bool `toml:"login_shell"`
	// ResumeOnRestart resumes the prior conversation on
	// session.restart when the conversational id is known.
	ResumeOnRestart bool `toml:"resume_on_restart"`
}

// HTTPConfig controls the optional localhost WebSocket bridge for
// browser clients. Disabled by default; the GUI talks over the local
// socket.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			LogLevel:        "info",
			Command:         "claude",
			LoginShell:      true,
			ResumeOnRestart: true,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8765",
		},
	}
}

// Load reads path if it exists; a missing file yields the defaults.
// Unknown keys are ignored so older daemons tolerate newer configs.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Daemon.Command == "" {
		cfg.Daemon.Command = "claude"
	}
	return cfg, nil
}
