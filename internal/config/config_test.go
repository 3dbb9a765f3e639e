package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadMissingFileGivesDefaults loads a nonexistent path.
func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Command != "claude" || !cfg.Daemon.ResumeOnRestart {
		t.Errorf("defaults not applied: %+v", cfg.Daemon)
	}
	if cfg.HTTP.Enabled {
		t.Error("http bridge should default to disabled")
	}
}

// TestLoadOverrides parses a partial config and keeps defaults for the
// rest.
func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[daemon]\nlog_level = \"debug\"\ncommand = \"claude --verbose\"\n\n[http]\nenabled = true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.LogLevel != "debug" || cfg.Daemon.Command != "claude --verbose" {
		t.Errorf("overrides lost: %+v", cfg.Daemon)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:8765" {
		t.Errorf("http config: %+v", cfg.HTTP)
	}
}

// TestResolvePaths creates the directory tree.
func TestResolvePaths(t *testing.T) {
	root := filepath.Join(t.TempDir(), "deck")
	p, err := ResolvePaths(root)
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	for _, dir := range []string{p.DataDir, p.StateDir, p.LogsDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", dir)
		}
	}
	if filepath.Dir(p.SocketPath()) != root {
		t.Errorf("socket path %s not under data dir", p.SocketPath())
	}
}
