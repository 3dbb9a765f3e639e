package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the coarse state of a session as shown to clients. It is
// derived from terminal output (or the PTY lifecycle) and is not
// authoritative of process liveness.
type Status string

const (
	StatusRunning Status = "running"
	StatusWaiting Status = "waiting"
	StatusIdle    Status = "idle"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Session is one tracked child process plus its organizational placement.
// Pid is runtime-only and never persisted; on daemon restart every loaded
// session starts out Stopped.
type Session struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GroupID    string `json:"group_id,omitempty"`
	WorkingDir string `json:"working_dir"`

	Status Status `json:"status"`
	Pid    int    `json:"-"`

	ClaudeSessionID string `json:"claude_session_id,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Order        uint32    `json:"order"`
}

// NewSession returns a stopped session with a fresh id and timestamps.
func NewSession(name, workingDir, groupID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		Name:         name,
		GroupID:      groupID,
		WorkingDir:   workingDir,
		Status:       StatusStopped,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Clone returns a copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}
