package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the daemon's on-disk layout, rooted at the user's
// OS-appropriate application-data location.
type Paths struct {
	DataDir  string
	StateDir string
	LogsDir  string
}

// ResolvePaths returns the layout under root, creating the directories.
// An empty root resolves to <user config dir>/claudedeck.
func ResolvePaths(root string) (Paths, error) {
	if root == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return Paths{}, fmt.Errorf("config: resolve data directory: %w", err)
		}
		root = filepath.Join(base, "claudedeck")
	}

	p := Paths{
		DataDir:  root,
		StateDir: filepath.Join(root, "state"),
		LogsDir:  filepath.Join(root, "logs"),
	}
	for _, dir := range []string{p.DataDir, p.StateDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return p, nil
}

func (p Paths) SocketPath() string   { return filepath.Join(p.DataDir, "daemon.sock") }
func (p Paths) ConfigPath() string   { return filepath.Join(p.DataDir, "config.toml") }
func (p Paths) PatternsPath() string { return filepath.Join(p.DataDir, "patterns.yaml") }
func (p Paths) JournalPath() string  { return filepath.Join(p.StateDir, "journal.db") }
func (p Paths) LogPath() string      { return filepath.Join(p.LogsDir, "daemon.log") }
