package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/claudedeck/internal/bus"
	"github.com/user/claudedeck/internal/journal"
	"github.com/user/claudedeck/internal/model"
	"github.com/user/claudedeck/internal/protocol"
	"github.com/user/claudedeck/internal/pty"
	"github.com/user/claudedeck/internal/status"
	"github.com/user/claudedeck/internal/store"
)

// fakeBackend satisfies TerminalBackend without touching a real PTY.
type fakeBackend struct {
	mu        sync.Mutex
	alive     map[string]bool
	writes    map[string][]byte
	lastSpawn pty.SpawnOptions
	spawnErr  error
	nextPid   int

	output chan pty.OutputChunk
	exits  chan pty.ExitEvent
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		alive:   make(map[string]bool),
		writes:  make(map[string][]byte),
		nextPid: 1000,
		output:  make(chan pty.OutputChunk, 64),
		exits:   make(chan pty.ExitEvent, 8),
	}
}

func (f *fakeBackend) Spawn(id string, opts pty.SpawnOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.alive[id] = true
	f.lastSpawn = opts
	f.nextPid++
	return f.nextPid, nil
}

func (f *fakeBackend) Write(id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[id] {
		return errors.New("no such session")
	}
	f.writes[id] = append(f.writes[id], data...)
	return nil
}

func (f *fakeBackend) Resize(id string, rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[id] {
		return errors.New("no such session")
	}
	return nil
}

func (f *fakeBackend) Kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, id)
}

func (f *fakeBackend) IsAlive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id]
}

func (f *fakeBackend) Output() <-chan pty.OutputChunk { return f.output }
func (f *fakeBackend) Exits() <-chan pty.ExitEvent    { return f.exits }

func (f *fakeBackend) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = make(map[string]bool)
}

func (f *fakeBackend) spawnOptions() pty.SpawnOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSpawn
}

func newTestEngine(t *testing.T) (*Engine, *fakeBackend, *bus.Bus) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	patterns, err := status.DefaultConfig().Compile()
	if err != nil {
		t.Fatalf("compile patterns: %v", err)
	}
	backend := newFakeBackend()
	b := bus.New()
	eng := New(st, backend, b, status.NewClassifier(patterns), nil,
		Config{Command: "claude", ResumeOnRestart: true}, nil)
	return eng, backend, b
}

// waitEvent reads events until one matches name or the timeout expires.
func waitEvent(t *testing.T, sub *bus.Subscriber, name string) protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

// countEvents drains the subscriber for a short window and counts
// frames with the given name.
func countEvents(sub *bus.Subscriber, name string, window time.Duration) int {
	n := 0
	deadline := time.After(window)
	for {
		select {
		case ev := <-sub.C():
			if ev.Event == name {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

// TestCreateSpawnsAndEmits exercises the create path end to end against
// the fake backend.
func TestCreateSpawnsAndEmits(t *testing.T) {
	eng, backend, b := newTestEngine(t)
	sub := b.Subscribe()

	sess, err := eng.Create("worker", t.TempDir(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != model.StatusRunning {
		t.Errorf("status = %s, want running", sess.Status)
	}
	if sess.Pid == 0 {
		t.Error("pid not recorded")
	}
	if !backend.IsAlive(sess.ID) {
		t.Error("backend has no live child")
	}

	ev := waitEvent(t, sub, protocol.EventSessionCreated)
	created, ok := ev.Data.(*model.Session)
	if !ok || created.ID != sess.ID {
		t.Errorf("session.created payload = %#v", ev.Data)
	}
}

// TestCreateValidation covers the InvalidArgument cases; none of them
// may touch the store.
func TestCreateValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if _, err := eng.Create("", t.TempDir(), ""); KindOf(err) != KindInvalidArgument {
		t.Errorf("empty name: %v", err)
	}
	if _, err := eng.Create("x", "/does/not/exist", ""); KindOf(err) != KindInvalidArgument {
		t.Errorf("missing dir: %v", err)
	}
	if _, err := eng.Create("x", t.TempDir(), "nope"); KindOf(err) != KindInvalidArgument {
		t.Errorf("unknown group: %v", err)
	}
	if got := len(eng.Sessions()); got != 0 {
		t.Errorf("store mutated by failed create: %d sessions", got)
	}
}

// TestCreateSpawnFailure verifies SpawnFailed leaves the store empty.
func TestCreateSpawnFailure(t *testing.T) {
	eng, backend, _ := newTestEngine(t)
	backend.spawnErr = errors.New("no pty available")

	_, err := eng.Create("x", t.TempDir(), "")
	if KindOf(err) != KindSpawnFailed {
		t.Fatalf("err = %v, want SpawnFailed", err)
	}
	if got := len(eng.Sessions()); got != 0 {
		t.Errorf("store mutated by failed spawn: %d sessions", got)
	}
}

// TestStopIdempotent stops twice; both succeed, one event.
func TestStopIdempotent(t *testing.T) {
	eng, backend, b := newTestEngine(t)
	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	sub := b.Subscribe()

	if err := eng.Stop(sess.ID); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := eng.Stop(sess.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if got := countEvents(sub, protocol.EventSessionStatusChanged, 200*time.Millisecond); got != 1 {
		t.Errorf("status_changed events = %d, want 1", got)
	}
	if backend.IsAlive(sess.ID) {
		t.Error("child still alive after stop")
	}
	if got := eng.Sessions()[0].Status; got != model.StatusStopped {
		t.Errorf("status = %s", got)
	}
}

// TestStopUnknownSession returns NotFound.
func TestStopUnknownSession(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if err := eng.Stop("missing"); KindOf(err) != KindNotFound {
		t.Errorf("err = %v, want NotFound", err)
	}
}

// TestRestartPreservesIdentityAndResumes restarts a session carrying a
// claude_session_id and expects the same id, a fresh running child, the
// requested dimensions, and the resume argument.
func TestRestartPreservesIdentityAndResumes(t *testing.T) {
	eng, backend, _ := newTestEngine(t)
	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the child having announced its conversational id.
	chunk := []byte("session: a1b2c3d4-e5f6-7890-abcd-ef1234567890")
	eng.handleOutput(pty.OutputChunk{SessionID: sess.ID, Data: chunk})

	restarted, err := eng.Restart(sess.ID, 30, 100)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.ID != sess.ID {
		t.Error("restart changed session identity")
	}
	if restarted.Status != model.StatusRunning {
		t.Errorf("status = %s", restarted.Status)
	}

	opts := backend.spawnOptions()
	if opts.Rows != 30 || opts.Cols != 100 {
		t.Errorf("spawn size = %dx%d, want 30x100", opts.Rows, opts.Cols)
	}
	if opts.ResumeID != "a1b2c3d4-e5f6-7890-abcd-ef1234567890" {
		t.Errorf("resume id = %q", opts.ResumeID)
	}
}

// TestForkPrecondition forks a session with no claude_session_id and
// expects PreconditionFailed with no session.created event.
func TestForkPrecondition(t *testing.T) {
	eng, _, b := newTestEngine(t)
	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	sub := b.Subscribe()

	_, err = eng.Fork(sess.ID, "", "", 24, 80)
	if KindOf(err) != KindPreconditionFailed {
		t.Fatalf("err = %v, want PreconditionFailed", err)
	}
	if got := countEvents(sub, protocol.EventSessionCreated, 200*time.Millisecond); got != 0 {
		t.Errorf("session.created events after failed fork = %d", got)
	}
}

// TestForkResumesFromSource forks a session that has a conversational
// id and checks the new child resumes from it.
func TestForkResumesFromSource(t *testing.T) {
	eng, backend, _ := newTestEngine(t)
	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	eng.handleOutput(pty.OutputChunk{
		SessionID: sess.ID,
		Data:      []byte("session: a1b2c3d4-e5f6-7890-abcd-ef1234567890"),
	})

	fork, err := eng.Fork(sess.ID, "", "", 24, 80)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if fork.ID == sess.ID {
		t.Error("fork shares source id")
	}
	if fork.Name != "w (Fork)" {
		t.Errorf("fork name = %q", fork.Name)
	}
	if got := backend.spawnOptions().ResumeID; got != "a1b2c3d4-e5f6-7890-abcd-ef1234567890" {
		t.Errorf("fork resume id = %q", got)
	}
}

// TestDeleteRemovesSession deletes and expects the id gone from the
// list plus a session.deleted event.
func TestDeleteRemovesSession(t *testing.T) {
	eng, backend, b := newTestEngine(t)
	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	sub := b.Subscribe()

	if err := eng.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ev := waitEvent(t, sub, protocol.EventSessionDeleted)
	data, ok := ev.Data.(protocol.SessionDeletedData)
	if !ok || data.SessionID != sess.ID {
		t.Errorf("session.deleted payload = %#v", ev.Data)
	}
	for _, s := range eng.Sessions() {
		if s.ID == sess.ID {
			t.Error("deleted session still listed")
		}
	}
	if backend.IsAlive(sess.ID) {
		t.Error("child outlived deletion")
	}
}

// TestInputRoundTrip writes base64-decoded bytes to the child.
func TestInputRoundTrip(t *testing.T) {
	eng, backend, _ := newTestEngine(t)
	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := base64.StdEncoding.DecodeString("aGVsbG8K") // "hello\n"
	if err := eng.Input(sess.ID, payload); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if got := string(backend.writes[sess.ID]); got != "hello\n" {
		t.Errorf("child received %q", got)
	}

	if err := eng.Input("missing", []byte("x")); KindOf(err) != KindNotFound {
		t.Errorf("input to unknown id: %v", err)
	}
}

// TestRunPublishesOutputAndStatus feeds chunks through the backend
// channels with the engine loop running.
func TestRunPublishesOutputAndStatus(t *testing.T) {
	eng, backend, b := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	sub := b.Subscribe()

	backend.output <- pty.OutputChunk{SessionID: sess.ID, Data: []byte("Error: exploded")}

	ev := waitEvent(t, sub, protocol.EventPtyOutput)
	out := ev.Data.(protocol.PtyOutputData)
	if decoded, _ := base64.StdEncoding.DecodeString(out.Output); string(decoded) != "Error: exploded" {
		t.Errorf("pty.output payload = %q", out.Output)
	}

	ev = waitEvent(t, sub, protocol.EventSessionStatusChanged)
	sc := ev.Data.(protocol.StatusChangedData)
	if sc.Status != model.StatusError {
		t.Errorf("status = %s, want error", sc.Status)
	}
}

// TestExitMarksStopped delivers a child exit and expects a single
// stopped transition plus a pty.exit event carrying the code.
func TestExitMarksStopped(t *testing.T) {
	eng, backend, b := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	sub := b.Subscribe()

	code := 0
	backend.Kill(sess.ID) // child died on its own: no longer alive
	backend.exits <- pty.ExitEvent{SessionID: sess.ID, ExitCode: &code}

	ev := waitEvent(t, sub, protocol.EventPtyExit)
	exit := ev.Data.(protocol.PtyExitData)
	if exit.SessionID != sess.ID || exit.ExitCode == nil || *exit.ExitCode != 0 {
		t.Errorf("pty.exit payload = %#v", exit)
	}

	deadline := time.After(2 * time.Second)
	for {
		if eng.Sessions()[0].Status == model.StatusStopped {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session never marked stopped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestActivityTrail runs a session through create and stop, then reads
// the audit trail back through the engine, newest first.
func TestActivityTrail(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	patterns, err := status.DefaultConfig().Compile()
	if err != nil {
		t.Fatal(err)
	}
	jn, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer jn.Close()
	eng := New(st, newFakeBackend(), bus.New(), status.NewClassifier(patterns), jn,
		Config{Command: "claude"}, nil)

	sess, err := eng.Create("w", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Stop(sess.ID); err != nil {
		t.Fatal(err)
	}

	entries, err := eng.Activity(sess.ID, 10)
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if len(entries) != 2 || entries[0].Event != "stopped" || entries[1].Event != "created" {
		t.Errorf("trail = %+v", entries)
	}
}

// TestActivityWithoutJournal reports an empty, non-nil trail when the
// daemon runs without a journal.
func TestActivityWithoutJournal(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	entries, err := eng.Activity("", 5)
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("entries = %#v, want empty slice", entries)
	}
}

// TestEventPayloadsSerialize ensures every emitted payload type fits
// the wire shape (single-line JSON).
func TestEventPayloadsSerialize(t *testing.T) {
	eng, _, b := newTestEngine(t)
	sub := b.Subscribe()
	if _, err := eng.Create("w", t.TempDir(), ""); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, sub, protocol.EventSessionCreated)
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var decoded struct {
		Event string `json:"event"`
		Data  struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if decoded.Event != "session.created" || decoded.Data.Status != "running" {
		t.Errorf("wire event = %s", data)
	}
}
