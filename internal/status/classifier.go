// Package status infers a session's coarse state from its raw terminal
// output. The classifier keeps a bounded tail of stripped text per
// session, matches the configured pattern sets against it, and applies
// a cooldown when leaving the running state so TUI repaints do not make
// the status flap.
package status

import (
	"regexp"
	"sync"
	"time"

	"github.com/user/claudedeck/internal/model"
)

const (
	// tailSize is how much stripped text is retained per session for
	// matching. Prompts stay visible in the tail until output scrolls
	// them away, which is what keeps a waiting session waiting.
	tailSize = 4096

	// runningCooldown delays transitions away from running. Claude's
	// TUI interleaves chunks with and without the work marker while a
	// tool call repaints the screen.
	runningCooldown = 2 * time.Second

	// minPrintable ignores chunks that are pure cursor movement.
	minPrintable = 3
)

var claudeSessionIDRe = regexp.MustCompile(`session[:\s]+([a-f0-9-]{36})`)

type sessionState struct {
	tail    []byte
	current model.Status

	// pending is a non-running status observed while current is
	// running, with the time it was first seen.
	pending      model.Status
	pendingSince time.Time
}

// Classifier consumes output chunks for any number of sessions. It is
// safe for concurrent use, though the engine feeds it from one
// goroutine.
type Classifier struct {
	patterns *Patterns

	mu       sync.Mutex
	sessions map[string]*sessionState
	now      func() time.Time
}

func NewClassifier(patterns *Patterns) *Classifier {
	return &Classifier{
		patterns: patterns,
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// Track registers a session with its current engine-assigned status so
// duplicate transitions are suppressed from the first chunk.
func (c *Classifier) Track(sessionID string, current model.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = &sessionState{current: current}
}

// Forget drops all classifier state for a session.
func (c *Classifier) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Ingest feeds one raw output chunk. It returns the new status when a
// transition should be emitted (nil otherwise) and any Claude session
// id found in the chunk ("" otherwise). Non-UTF-8 input is tolerated;
// matching runs on the lossily stripped text.
func (c *Classifier) Ingest(sessionID string, data []byte) (*model.Status, string) {
	clean := StripANSI(string(data))

	claudeID := ""
	if m := claudeSessionIDRe.FindStringSubmatch(clean); m != nil {
		claudeID = m[1]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.sessions[sessionID]
	if !ok {
		return nil, claudeID
	}

	st.tail = appendTail(st.tail, []byte(clean))

	if printableLen(clean) < minPrintable {
		return nil, claudeID
	}

	detected := c.detect(string(st.tail))
	return st.apply(detected, c.now()), claudeID
}

// detect evaluates the pattern sets in priority order over the tail.
func (c *Classifier) detect(tail string) model.Status {
	switch {
	case matchAny(c.patterns.Error, tail):
		return model.StatusError
	case matchAny(c.patterns.Running, tail):
		return model.StatusRunning
	case matchAny(c.patterns.Waiting, tail):
		return model.StatusWaiting
	default:
		return model.StatusIdle
	}
}

// apply implements the transition policy: moves to running or error
// are immediate, a move from running to waiting/idle waits out the
// cooldown, everything else is immediate. Duplicates never emit.
func (st *sessionState) apply(detected model.Status, now time.Time) *model.Status {
	if detected == st.current {
		st.pending = ""
		return nil
	}

	if detected == model.StatusRunning || detected == model.StatusError {
		st.pending = ""
		st.current = detected
		return &detected
	}

	if st.current == model.StatusRunning {
		if st.pending != detected {
			st.pending = detected
			st.pendingSince = now
			return nil
		}
		if now.Sub(st.pendingSince) < runningCooldown {
			return nil
		}
		st.pending = ""
		st.current = detected
		return &detected
	}

	st.current = detected
	return &detected
}

func appendTail(tail, data []byte) []byte {
	tail = append(tail, data...)
	if len(tail) > tailSize {
		tail = tail[len(tail)-tailSize:]
	}
	return tail
}

func printableLen(s string) int {
	n := 0
	for _, r := range s {
		if r > 0x20 && r != 0x7f {
			n++
		}
	}
	return n
}
