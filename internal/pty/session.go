package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
	"github.com/kballard/go-shellquote"
)

// readBufSize bounds the size of a single output chunk. The wire
// protocol allows up to 64 KiB per pty.output event; half of that keeps
// frames comfortably under the limit after base64 expansion.
const readBufSize = 32 * 1024

// SpawnOptions configures a child process attached to a fresh PTY.
type SpawnOptions struct {
	WorkingDir string
	Rows       uint16
	Cols       uint16

	// Command is the assistant command line, split with shell quoting
	// rules. Defaults to "claude".
	Command string

	// ResumeID, when set, appends the resume argument so the child
	// restores its prior conversational state.
	ResumeID string

	// LoginShell wraps the command in the user's login interactive
	// shell so PATH picks up npm globals, homebrew and friends. The
	// daemon enables this; tests spawn plain binaries.
	LoginShell bool

	// Env replaces the inherited environment when non-nil.
	Env []string
}

// session wraps one child process running inside a PTY. Writes, resizes
// and close serialize on mu; the reader goroutine owns the read side.
type session struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func buildArgv(opts SpawnOptions) ([]string, error) {
	command := strings.TrimSpace(opts.Command)
	if command == "" {
		command = "claude"
	}
	if opts.ResumeID != "" {
		command = fmt.Sprintf("%s --resume %s", command, opts.ResumeID)
	}

	if opts.LoginShell {
		shell := os.Getenv("SHELL")
		if shell == "" {
			if runtime.GOOS == "darwin" {
				shell = "/bin/zsh"
			} else {
				shell = "/bin/bash"
			}
		}
		// -l sources the profile, -i the rc file, -c runs the command.
		return []string{shell, "-li", "-c", command}, nil
	}

	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("pty: bad command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("pty: empty command")
	}
	return argv, nil
}

// ciEnvVars cause TUI apps to fall back to non-interactive mode; the
// ci-info package checks all of these.
var ciEnvVars = []string{
	"CI", "CONTINUOUS_INTEGRATION", "BUILD_NUMBER", "BUILD_ID",
	"GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI", "TRAVIS", "JENKINS_URL",
	"BUILDKITE", "TEAMCITY_VERSION", "DRONE", "VERCEL", "NETLIFY",
	"APPVEYOR", "TF_BUILD",
}

func buildEnv(opts SpawnOptions) []string {
	if opts.Env != nil {
		return opts.Env
	}
	env := make([]string, 0, len(os.Environ())+4)
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if isCIVar(key) || key == "TERM" || key == "COLORTERM" {
			continue
		}
		env = append(env, kv)
	}
	// xterm.js emulates xterm-256color; Ink checks these to decide
	// whether to use the alternate screen buffer.
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"FORCE_COLOR=1",
		"LC_ALL=en_US.UTF-8",
	)
	return env
}

func isCIVar(key string) bool {
	for _, v := range ciEnvVars {
		if key == v {
			return true
		}
	}
	return false
}

func newSession(id string, opts SpawnOptions) (*session, error) {
	argv, err := buildArgv(opts)
	if err != nil {
		return nil, err
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = buildEnv(opts)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, err
	}

	return &session{id: id, cmd: cmd, ptmx: ptmx}, nil
}

func (s *session) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("pty: session is closed")
	}
	// os.File writes are unbuffered, so a returned write is flushed.
	_, err := s.ptmx.Write(data)
	return err
}

func (s *session) resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("pty: session is closed")
	}
	return creackpty.Setsize(s.ptmx, &creackpty.Winsize{Rows: rows, Cols: cols})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close signals the child and closes the PTY master, which unblocks the
// reader. Safe to call more than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		// SIGTERM is a no-op on Windows; there the master close below
		// is what tears the child down.
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
		_ = s.ptmx.Close()
	})
}
