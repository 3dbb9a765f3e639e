package model

import "github.com/google/uuid"

// Group is a named container of sessions and/or other groups. The parent
// relation is kept acyclic by the store; Collapsed is a persisted UI hint.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parent_id,omitempty"`
	Collapsed bool   `json:"collapsed"`
	Order     uint32 `json:"order"`
}

func NewGroup(name, parentID string) *Group {
	return &Group{
		ID:       uuid.NewString(),
		Name:     name,
		ParentID: parentID,
	}
}

func (g *Group) Clone() *Group {
	c := *g
	return &c
}
