// Package daemon wires the components together: paths, config,
// logging, state, the PTY host, the engine, and the IPC surface. It
// owns startup ordering and graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/user/claudedeck/internal/bus"
	"github.com/user/claudedeck/internal/config"
	"github.com/user/claudedeck/internal/engine"
	"github.com/user/claudedeck/internal/hub"
	"github.com/user/claudedeck/internal/ipc"
	"github.com/user/claudedeck/internal/journal"
	"github.com/user/claudedeck/internal/pty"
	"github.com/user/claudedeck/internal/status"
	"github.com/user/claudedeck/internal/store"
)

// Options are the command-line overrides.
type Options struct {
	// DataDir overrides the default data directory.
	DataDir string
	// LogLevel overrides the configured level.
	LogLevel string
}

// Run starts the daemon and blocks until ctx is cancelled or a fatal
// setup error occurs. Fatal errors (endpoint bind, data directory) are
// returned; everything else degrades and logs.
func Run(ctx context.Context, opts Options) error {
	paths, err := config.ResolvePaths(opts.DataDir)
	if err != nil {
		return err
	}

	cfg, cfgErr := config.Load(paths.ConfigPath())

	level := cfg.Daemon.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log, logFile, err := openLogger(paths.LogPath(), level)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(log)

	if cfgErr != nil {
		log.Warn("config unreadable, using defaults", "error", cfgErr)
	}
	log.Info("daemon starting", "data_dir", paths.DataDir, "pid", os.Getpid())

	patterns, err := status.LoadPatterns(paths.PatternsPath())
	if err != nil {
		log.Warn("pattern config invalid, using defaults", "error", err)
		if patterns, err = status.DefaultConfig().Compile(); err != nil {
			return err
		}
	}

	st, err := store.Open(paths.StateDir)
	if err != nil {
		if errors.Is(err, store.ErrCorruptState) {
			// Start with what loaded; the corrupt file stays on disk
			// (plus its .bak) until the next successful write.
			log.Error("state file corrupt, starting with partial state", "error", err)
		} else {
			return fmt.Errorf("daemon: open state: %w", err)
		}
	}
	log.Info("state loaded",
		"sessions", len(st.Sessions()), "groups", len(st.Groups()))

	jn, err := journal.Open(ctx, paths.JournalPath())
	if err != nil {
		log.Warn("activity journal unavailable", "error", err)
		jn = nil
	}
	defer jn.Close()

	host := pty.NewHost()
	b := bus.New()
	classifier := status.NewClassifier(patterns)

	eng := engine.New(st, host, b, classifier, jn, engine.Config{
		Command:         cfg.Daemon.Command,
		LoginShell:      cfg.Daemon.LoginShell,
		ResumeOnRestart: cfg.Daemon.ResumeOnRestart,
	}, log)

	engCtx, engCancel := context.WithCancel(context.Background())
	defer engCancel()
	go eng.Run(engCtx)

	disp := ipc.NewDispatcher(eng)
	srv, err := ipc.Listen(paths.SocketPath(), disp, b, log)
	if err != nil {
		return fmt.Errorf("daemon: bind endpoint: %w", err)
	}
	log.Info("listening", "socket", paths.SocketPath())

	if cfg.HTTP.Enabled {
		bridge := hub.New(disp, b, log)
		go func() {
			if err := bridge.Serve(ctx, cfg.HTTP.Addr); err != nil {
				log.Error("websocket bridge failed", "error", err)
			}
		}()
	}

	serveErr := srv.Serve(ctx)

	log.Info("shutting down")
	eng.Shutdown()
	b.Shutdown()
	srv.Close()
	log.Info("daemon stopped")
	return serveErr
}

// openLogger writes line-oriented logs to path, mirrored to stderr when
// it is a terminal (running in the foreground by hand).
func openLogger(path, level string) (*slog.Logger, *os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("daemon: open log file: %w", err)
	}

	var out io.Writer = file
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = io.MultiWriter(file, os.Stderr)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(handler), file, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
