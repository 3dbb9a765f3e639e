package protocol

import (
	"github.com/user/claudedeck/internal/journal"
	"github.com/user/claudedeck/internal/model"
)

// --- Method parameters ---

type CreateSessionParams struct {
	Name    string `json:"name"`
	Dir     string `json:"dir"`
	GroupID string `json:"group_id,omitempty"`
}

type SessionIDParams struct {
	SessionID string `json:"session_id"`
}

type SessionInputParams struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"` // base64
}

type SessionResizeParams struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

type RestartSessionParams struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

type ForkSessionParams struct {
	SessionID string `json:"session_id"`
	NewName   string `json:"new_name,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

// UpdateSessionParams distinguishes "leave group unchanged" (GroupID
// absent) from "move to root" (GroupID present and empty) by pointer.
type UpdateSessionParams struct {
	SessionID string  `json:"session_id"`
	Name      *string `json:"name,omitempty"`
	GroupID   *string `json:"group_id,omitempty"`
}

type ReorderSessionParams struct {
	SessionID      string `json:"session_id"`
	GroupID        string `json:"group_id,omitempty"`
	AfterSessionID string `json:"after_session_id,omitempty"`
}

// ActivityParams filters the lifecycle audit trail; both fields are
// optional.
type ActivityParams struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type CreateGroupParams struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

type GroupIDParams struct {
	GroupID string `json:"group_id"`
}

type UpdateGroupParams struct {
	GroupID   string  `json:"group_id"`
	Name      *string `json:"name,omitempty"`
	ParentID  *string `json:"parent_id,omitempty"`
	Collapsed *bool   `json:"collapsed,omitempty"`
}

type ReorderGroupParams struct {
	GroupID      string `json:"group_id"`
	ParentID     string `json:"parent_id,omitempty"`
	AfterGroupID string `json:"after_group_id,omitempty"`
}

// --- Results ---

type SessionResult struct {
	Session *model.Session `json:"session"`
}

type SessionListResult struct {
	Sessions []*model.Session `json:"sessions"`
}

type GroupResult struct {
	Group *model.Group `json:"group"`
}

type GroupListResult struct {
	Groups []*model.Group `json:"groups"`
}

type SuccessResult struct {
	Success bool `json:"success"`
}

type ActivityResult struct {
	Entries []journal.Entry `json:"entries"`
}

// --- Event payloads ---

type StatusChangedData struct {
	SessionID string       `json:"session_id"`
	Status    model.Status `json:"status"`
}

type SessionDeletedData struct {
	SessionID string `json:"session_id"`
}

type GroupDeletedData struct {
	GroupID string `json:"group_id"`
}

type PtyOutputData struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"` // base64
}

type PtyExitData struct {
	SessionID string `json:"session_id"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}
