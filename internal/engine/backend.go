package engine

import "github.com/user/claudedeck/internal/pty"

// TerminalBackend is the narrow capability set the engine needs from
// the PTY layer. *pty.Host implements it; tests substitute a fake.
type TerminalBackend interface {
	Spawn(id string, opts pty.SpawnOptions) (pid int, err error)
	Write(id string, data []byte) error
	Resize(id string, rows, cols uint16) error
	Kill(id string)
	IsAlive(id string) bool
	Output() <-chan pty.OutputChunk
	Exits() <-chan pty.ExitEvent
	CloseAll()
}
