// Package engine maps protocol operations onto the store, the PTY
// backend and the event bus. A state-changing operation that fails
// validation or spawning leaves the store unchanged; one that succeeds
// publishes the event describing the new state. A persistence failure
// keeps the in-memory change and returns IoError. Restart of a live
// session publishes the stopped transition of the old child before the
// running one of the new, and records the session as stopped when the
// respawn fails.
package engine

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/user/claudedeck/internal/bus"
	"github.com/user/claudedeck/internal/journal"
	"github.com/user/claudedeck/internal/model"
	"github.com/user/claudedeck/internal/protocol"
	"github.com/user/claudedeck/internal/pty"
	"github.com/user/claudedeck/internal/status"
	"github.com/user/claudedeck/internal/store"
)

const (
	defaultRows = 24
	defaultCols = 80

	// Sessions stuck in waiting with no activity become idle.
	idleTimeout       = 60 * time.Second
	idleCheckInterval = 10 * time.Second
)

// Config carries the spawn-related settings the engine needs.
type Config struct {
	// Command is the assistant command line for new children.
	Command string
	// LoginShell wraps children in the user's login shell.
	LoginShell bool
	// ResumeOnRestart resumes the prior conversation when restarting a
	// session that has a known claude_session_id.
	ResumeOnRestart bool
}

type Engine struct {
	store      *store.Store
	backend    TerminalBackend
	bus        *bus.Bus
	classifier *status.Classifier
	journal    *journal.Journal
	cfg        Config
	log        *slog.Logger

	// mu serializes lifecycle operations (spawn/kill sequences) so the
	// running-iff-live-child invariant cannot be observed mid-flight.
	mu sync.Mutex
}

func New(st *store.Store, backend TerminalBackend, b *bus.Bus, cl *status.Classifier, jn *journal.Journal, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      st,
		backend:    backend,
		bus:        b,
		classifier: cl,
		journal:    jn,
		cfg:        cfg,
		log:        log,
	}
}

// Run consumes PTY output and exit streams until ctx is cancelled. It
// owns all classifier-driven status transitions.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-e.backend.Output():
			if !ok {
				return
			}
			e.handleOutput(chunk)
		case ev, ok := <-e.backend.Exits():
			if !ok {
				return
			}
			e.handleExit(ev)
		case <-ticker.C:
			e.checkIdle()
		}
	}
}

func (e *Engine) handleOutput(chunk pty.OutputChunk) {
	change, claudeID := e.classifier.Ingest(chunk.SessionID, chunk.Data)

	// Output goes out before the status change it caused, so a
	// subscriber always sees the bytes that explain the transition.
	e.bus.Publish(protocol.Event{
		Event: protocol.EventPtyOutput,
		Data: protocol.PtyOutputData{
			SessionID: chunk.SessionID,
			Output:    base64.StdEncoding.EncodeToString(chunk.Data),
		},
	})

	if claudeID != "" {
		if _, err := e.store.UpdateSession(chunk.SessionID, func(s *model.Session) {
			s.ClaudeSessionID = claudeID
		}); err != nil {
			e.log.Warn("persist claude session id", "session", chunk.SessionID, "error", err)
		}
	}

	if change != nil {
		e.setStatus(chunk.SessionID, *change)
	}
}

func (e *Engine) handleExit(ev pty.ExitEvent) {
	e.mu.Lock()
	// A restart may have bound a fresh child to this id already; the
	// stale exit must not mark the new child stopped.
	if !e.backend.IsAlive(ev.SessionID) {
		if sess := e.store.Session(ev.SessionID); sess != nil && sess.Status != model.StatusStopped {
			e.classifier.Track(ev.SessionID, model.StatusStopped)
			if _, err := e.store.UpdateSession(ev.SessionID, func(s *model.Session) {
				s.Status = model.StatusStopped
				s.Pid = 0
			}); err != nil {
				e.log.Warn("persist exit", "session", ev.SessionID, "error", err)
			}
			e.bus.Publish(protocol.Event{
				Event: protocol.EventSessionStatusChanged,
				Data:  protocol.StatusChangedData{SessionID: ev.SessionID, Status: model.StatusStopped},
			})
		}
	}
	e.mu.Unlock()

	detail := ""
	if ev.ExitCode != nil {
		detail = "exit_code=" + strconv.Itoa(*ev.ExitCode)
	}
	if err := e.journal.Record(context.Background(), ev.SessionID, "exited", detail); err != nil {
		e.log.Warn("journal", "error", err)
	}

	e.bus.Publish(protocol.Event{
		Event: protocol.EventPtyExit,
		Data:  protocol.PtyExitData{SessionID: ev.SessionID, ExitCode: ev.ExitCode},
	})
}

// checkIdle demotes sessions that have been waiting with no activity.
func (e *Engine) checkIdle() {
	cutoff := time.Now().Add(-idleTimeout)
	for _, sess := range e.store.Sessions() {
		if sess.Status == model.StatusWaiting && sess.LastActivity.Before(cutoff) {
			e.setStatus(sess.ID, model.StatusIdle)
		}
	}
}

// setStatus records a classifier- or timer-driven transition and emits
// the status event. Duplicate statuses are dropped.
func (e *Engine) setStatus(id string, st model.Status) {
	cur := e.store.Session(id)
	if cur == nil || cur.Status == st {
		return
	}
	e.classifier.Track(id, st)
	if _, err := e.store.UpdateSession(id, func(s *model.Session) {
		s.Status = st
		s.LastActivity = time.Now().UTC()
	}); err != nil {
		e.log.Warn("persist status", "session", id, "status", st, "error", err)
	}
	e.bus.Publish(protocol.Event{
		Event: protocol.EventSessionStatusChanged,
		Data:  protocol.StatusChangedData{SessionID: id, Status: st},
	})
}

// --- session operations ---

// Sessions lists all sessions.
func (e *Engine) Sessions() []*model.Session { return e.store.Sessions() }

// Groups lists all groups.
func (e *Engine) Groups() []*model.Group { return e.store.Groups() }

// Create spawns a new session in dir and persists it. The PTY starts at
// the default 80x24 until the client's first resize.
func (e *Engine) Create(name, dir, groupID string) (*model.Session, error) {
	if name == "" {
		return nil, Errf(KindInvalidArgument, "session name must not be empty")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, Errf(KindInvalidArgument, "working directory %q does not exist", dir)
	}
	if groupID != "" && !e.store.HasGroup(groupID) {
		return nil, Errf(KindInvalidArgument, "group %s does not exist", groupID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sess := model.NewSession(name, dir, groupID)
	pid, err := e.backend.Spawn(sess.ID, pty.SpawnOptions{
		WorkingDir: dir,
		Rows:       defaultRows,
		Cols:       defaultCols,
		Command:    e.cfg.Command,
		LoginShell: e.cfg.LoginShell,
	})
	if err != nil {
		return nil, Wrap(KindSpawnFailed, err, "spawn for session %q", name)
	}
	sess.Status = model.StatusRunning
	sess.Pid = pid
	e.classifier.Track(sess.ID, model.StatusRunning)

	if err := e.store.PutSession(sess); err != nil {
		// In-memory state is kept; the next successful write persists it.
		e.emitSession(protocol.EventSessionCreated, sess.ID)
		return nil, Wrap(KindIoError, err, "persist session %s", sess.ID)
	}

	if err := e.journal.Record(context.Background(), sess.ID, "created", "name="+name); err != nil {
		e.log.Warn("journal", "error", err)
	}
	e.emitSession(protocol.EventSessionCreated, sess.ID)
	return e.store.Session(sess.ID), nil
}

// Stop kills the session's child. Stopping an already-stopped session
// succeeds without emitting anything.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.store.Session(id)
	if sess == nil {
		return Errf(KindNotFound, "session %s not found", id)
	}
	if sess.Status == model.StatusStopped && !e.backend.IsAlive(id) {
		return nil
	}

	e.backend.Kill(id)
	e.classifier.Track(id, model.StatusStopped)
	if _, err := e.store.UpdateSession(id, func(s *model.Session) {
		s.Status = model.StatusStopped
		s.Pid = 0
	}); err != nil {
		return Wrap(KindIoError, err, "persist stop of %s", id)
	}
	if err := e.journal.Record(context.Background(), id, "stopped", ""); err != nil {
		e.log.Warn("journal", "error", err)
	}
	e.bus.Publish(protocol.Event{
		Event: protocol.EventSessionStatusChanged,
		Data:  protocol.StatusChangedData{SessionID: id, Status: model.StatusStopped},
	})
	return nil
}

// Restart stops any running child and spawns a fresh one in the same
// working directory with the requested dimensions. When the session has
// a known conversational id and resume is enabled, the child resumes.
func (e *Engine) Restart(id string, rows, cols uint16) (*model.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.store.Session(id)
	if sess == nil {
		return nil, Errf(KindNotFound, "session %s not found", id)
	}

	if e.backend.IsAlive(id) {
		e.backend.Kill(id)
		e.bus.Publish(protocol.Event{
			Event: protocol.EventSessionStatusChanged,
			Data:  protocol.StatusChangedData{SessionID: id, Status: model.StatusStopped},
		})
	}

	resume := ""
	if e.cfg.ResumeOnRestart {
		resume = sess.ClaudeSessionID
	}
	// Claude Code reads the terminal size once at startup to pick its
	// TUI mode, so the client's real dimensions matter here.
	pid, err := e.backend.Spawn(id, pty.SpawnOptions{
		WorkingDir: sess.WorkingDir,
		Rows:       rows,
		Cols:       cols,
		Command:    e.cfg.Command,
		LoginShell: e.cfg.LoginShell,
		ResumeID:   resume,
	})
	if err != nil {
		// The old child is gone; reflect reality before failing.
		if _, perr := e.store.UpdateSession(id, func(s *model.Session) {
			s.Status = model.StatusStopped
			s.Pid = 0
		}); perr != nil {
			e.log.Warn("persist failed restart", "session", id, "error", perr)
		}
		return nil, Wrap(KindSpawnFailed, err, "respawn session %s", id)
	}

	e.classifier.Track(id, model.StatusRunning)
	updated, uerr := e.store.UpdateSession(id, func(s *model.Session) {
		s.Status = model.StatusRunning
		s.Pid = pid
		s.LastActivity = time.Now().UTC()
	})
	if uerr != nil {
		return updated, Wrap(KindIoError, uerr, "persist restart of %s", id)
	}
	if err := e.journal.Record(context.Background(), id, "restarted", ""); err != nil {
		e.log.Warn("journal", "error", err)
	}
	e.bus.Publish(protocol.Event{
		Event: protocol.EventSessionStatusChanged,
		Data:  protocol.StatusChangedData{SessionID: id, Status: model.StatusRunning},
	})
	return updated, nil
}

// Fork creates a new session resuming the source's conversation. The
// source must have a known claude_session_id.
func (e *Engine) Fork(id, newName, groupID string, rows, cols uint16) (*model.Session, error) {
	source := e.store.Session(id)
	if source == nil {
		return nil, Errf(KindNotFound, "session %s not found", id)
	}
	if source.ClaudeSessionID == "" {
		return nil, Errf(KindPreconditionFailed, "session %s has no claude session id to fork from", id)
	}
	if groupID == "" {
		groupID = source.GroupID
	}
	if groupID != "" && !e.store.HasGroup(groupID) {
		return nil, Errf(KindInvalidArgument, "group %s does not exist", groupID)
	}
	name := newName
	if name == "" {
		name = source.Name + " (Fork)"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sess := model.NewSession(name, source.WorkingDir, groupID)
	sess.ClaudeSessionID = source.ClaudeSessionID

	pid, err := e.backend.Spawn(sess.ID, pty.SpawnOptions{
		WorkingDir: source.WorkingDir,
		Rows:       rows,
		Cols:       cols,
		Command:    e.cfg.Command,
		LoginShell: e.cfg.LoginShell,
		ResumeID:   source.ClaudeSessionID,
	})
	if err != nil {
		return nil, Wrap(KindSpawnFailed, err, "spawn fork of %s", id)
	}
	sess.Status = model.StatusRunning
	sess.Pid = pid
	e.classifier.Track(sess.ID, model.StatusRunning)

	if err := e.store.PutSession(sess); err != nil {
		e.emitSession(protocol.EventSessionCreated, sess.ID)
		return nil, Wrap(KindIoError, err, "persist fork %s", sess.ID)
	}
	if err := e.journal.Record(context.Background(), sess.ID, "forked", "source="+id); err != nil {
		e.log.Warn("journal", "error", err)
	}
	e.emitSession(protocol.EventSessionCreated, sess.ID)
	return e.store.Session(sess.ID), nil
}

// Delete kills any running child and removes the session.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.Session(id) == nil {
		return Errf(KindNotFound, "session %s not found", id)
	}
	e.backend.Kill(id)
	e.classifier.Forget(id)
	if err := e.store.RemoveSession(id); err != nil {
		return Wrap(KindIoError, err, "persist delete of %s", id)
	}
	if err := e.journal.Record(context.Background(), id, "deleted", ""); err != nil {
		e.log.Warn("journal", "error", err)
	}
	e.bus.Publish(protocol.Event{
		Event: protocol.EventSessionDeleted,
		Data:  protocol.SessionDeletedData{SessionID: id},
	})
	return nil
}

// Input writes raw bytes to the session's PTY and bumps last_activity.
func (e *Engine) Input(id string, data []byte) error {
	if e.store.Session(id) == nil {
		return Errf(KindNotFound, "session %s not found", id)
	}
	if err := e.backend.Write(id, data); err != nil {
		return Wrap(KindNotFound, err, "no live terminal for session %s", id)
	}
	if _, err := e.store.UpdateSession(id, func(s *model.Session) {
		s.LastActivity = time.Now().UTC()
	}); err != nil {
		return Wrap(KindIoError, err, "persist activity of %s", id)
	}
	return nil
}

// Resize updates the PTY window size.
func (e *Engine) Resize(id string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return Errf(KindInvalidArgument, "rows and cols must be positive")
	}
	if e.store.Session(id) == nil {
		return Errf(KindNotFound, "session %s not found", id)
	}
	if err := e.backend.Resize(id, rows, cols); err != nil {
		return Wrap(KindNotFound, err, "no live terminal for session %s", id)
	}
	return nil
}

// Update renames a session and/or moves it between groups.
func (e *Engine) Update(id string, name, groupID *string) (*model.Session, error) {
	if name != nil && *name == "" {
		return nil, Errf(KindInvalidArgument, "session name must not be empty")
	}
	if groupID != nil && *groupID != "" && !e.store.HasGroup(*groupID) {
		return nil, Errf(KindInvalidArgument, "group %s does not exist", *groupID)
	}

	sess, err := e.store.UpdateSession(id, func(s *model.Session) {
		if name != nil {
			s.Name = *name
		}
		if groupID != nil {
			s.GroupID = *groupID
		}
	})
	if err != nil {
		return sess, Wrap(KindIoError, err, "persist update of %s", id)
	}
	if sess == nil {
		return nil, Errf(KindNotFound, "session %s not found", id)
	}
	e.emitSession(protocol.EventSessionUpdated, id)
	return sess, nil
}

// Reorder moves a session within or across parents; see the store for
// placement rules.
func (e *Engine) Reorder(id, groupID, afterID string) (*model.Session, error) {
	if groupID != "" && !e.store.HasGroup(groupID) {
		return nil, Errf(KindInvalidArgument, "group %s does not exist", groupID)
	}
	sess, err := e.store.ReorderSession(id, groupID, afterID)
	if err != nil {
		return sess, Wrap(KindIoError, err, "persist reorder of %s", id)
	}
	if sess == nil {
		return nil, Errf(KindNotFound, "session %s not found", id)
	}
	e.emitSession(protocol.EventSessionUpdated, id)
	return sess, nil
}

// --- group operations ---

func (e *Engine) CreateGroup(name, parentID string) (*model.Group, error) {
	if name == "" {
		return nil, Errf(KindInvalidArgument, "group name must not be empty")
	}
	if parentID != "" && !e.store.HasGroup(parentID) {
		return nil, Errf(KindInvalidArgument, "parent group %s does not exist", parentID)
	}
	g := model.NewGroup(name, parentID)
	if err := e.store.PutGroup(g); err != nil {
		return nil, Wrap(KindIoError, err, "persist group %s", g.ID)
	}
	e.emitGroup(protocol.EventGroupCreated, g.ID)
	return e.store.Group(g.ID), nil
}

func (e *Engine) UpdateGroup(id string, name, parentID *string, collapsed *bool) (*model.Group, error) {
	if name != nil && *name == "" {
		return nil, Errf(KindInvalidArgument, "group name must not be empty")
	}
	if parentID != nil && *parentID != "" && !e.store.HasGroup(*parentID) {
		return nil, Errf(KindInvalidArgument, "parent group %s does not exist", *parentID)
	}

	g, err := e.store.UpdateGroup(id, func(grp *model.Group) {
		if name != nil {
			grp.Name = *name
		}
		if parentID != nil {
			grp.ParentID = *parentID
		}
		if collapsed != nil {
			grp.Collapsed = *collapsed
		}
	})
	if err != nil {
		if g == nil {
			return nil, Errf(KindInvalidArgument, "cannot move group %s into its own subtree", id)
		}
		return g, Wrap(KindIoError, err, "persist group update of %s", id)
	}
	if g == nil {
		return nil, Errf(KindNotFound, "group %s not found", id)
	}
	e.emitGroup(protocol.EventGroupUpdated, id)
	return g, nil
}

// DeleteGroup removes the group, moving its direct sessions to root and
// re-parenting its sub-groups to the deleted group's parent.
func (e *Engine) DeleteGroup(id string) error {
	if !e.store.HasGroup(id) {
		return Errf(KindNotFound, "group %s not found", id)
	}
	if err := e.store.RemoveGroup(id); err != nil {
		return Wrap(KindIoError, err, "persist group delete of %s", id)
	}
	e.bus.Publish(protocol.Event{
		Event: protocol.EventGroupDeleted,
		Data:  protocol.GroupDeletedData{GroupID: id},
	})
	return nil
}

func (e *Engine) ReorderGroup(id, parentID, afterID string) (*model.Group, error) {
	if parentID != "" && !e.store.HasGroup(parentID) {
		return nil, Errf(KindInvalidArgument, "parent group %s does not exist", parentID)
	}
	g, err := e.store.ReorderGroup(id, parentID, afterID)
	if err != nil {
		if g == nil {
			return nil, Errf(KindInvalidArgument, "cannot move group %s into its own subtree", id)
		}
		return g, Wrap(KindIoError, err, "persist group reorder of %s", id)
	}
	if g == nil {
		return nil, Errf(KindNotFound, "group %s not found", id)
	}
	e.emitGroup(protocol.EventGroupUpdated, id)
	return g, nil
}

// Activity returns recent journal entries, newest first, optionally
// filtered to one session. A daemon running without a journal reports
// an empty trail.
func (e *Engine) Activity(sessionID string, limit int) ([]journal.Entry, error) {
	entries, err := e.journal.Recent(context.Background(), sessionID, limit)
	if err != nil {
		return nil, Wrap(KindIoError, err, "query activity journal")
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}

// Shutdown kills every child and flushes state. Called once at daemon
// exit.
func (e *Engine) Shutdown() {
	e.backend.CloseAll()
	if err := e.store.Flush(); err != nil {
		e.log.Error("flush state", "error", err)
	}
}

// --- helpers ---

// emitSession publishes the full session snapshot as the event payload
// so consumers can treat events as idempotent state.
func (e *Engine) emitSession(event, id string) {
	if sess := e.store.Session(id); sess != nil {
		e.bus.Publish(protocol.Event{Event: event, Data: sess})
	}
}

func (e *Engine) emitGroup(event, id string) {
	if g := e.store.Group(id); g != nil {
		e.bus.Publish(protocol.Event{Event: event, Data: g})
	}
}
