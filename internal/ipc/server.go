// Package ipc accepts local client connections and speaks the
// newline-delimited JSON protocol. Each connection runs a reader (frame
// parsing and dispatch) and a writer (responses merged with the event
// fan-out) concurrently; a slow or dead client affects only itself.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/user/claudedeck/internal/bus"
)

const (
	// maxFrameSize bounds one request line (large pasted input arrives
	// base64-encoded).
	maxFrameSize = 2 * 1024 * 1024

	// writeTimeout is the window for flushing one frame to a client; a
	// client that cannot take a frame for this long is disconnected
	// and reconciles by re-listing after it reconnects.
	writeTimeout = 30 * time.Second
)

type Server struct {
	ln   net.Listener
	path string
	disp *Dispatcher
	bus  *bus.Bus
	log  *slog.Logger

	wg sync.WaitGroup
}

// Listen binds the user-private local endpoint (unix socket or named
// pipe). A stale endpoint file from a dead daemon is removed first.
func Listen(path string, disp *Dispatcher, b *bus.Bus, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := listenEndpoint(path)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, path: path, disp: disp, bus: b, log: log}, nil
}

// Serve accepts connections until ctx is cancelled or the listener
// fails. It always returns after the listener is closed and every
// connection handler has finished.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// The reader parks in scanner.Scan() on an idle client;
			// closing the conn on shutdown is what unblocks it so
			// Serve can drain every handler.
			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-done:
				}
			}()
			s.handleConn(ctx, conn)
			close(done)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.log.Info("client connected", "remote", conn.RemoteAddr().String())
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Close()

	// Responses preserve request order; events interleave freely.
	responses := make(chan []byte, 64)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var frame []byte
			var ok bool
			select {
			case frame, ok = <-responses:
			case ev, evOK := <-sub.C():
				if !evOK {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					s.log.Warn("marshal event", "error", err)
					continue
				}
				frame, ok = data, true
			}
			if !ok {
				return
			}
			if err := writeFrame(conn, frame); err != nil {
				s.log.Warn("client write failed, dropping connection", "error", err)
				conn.Close()
				return
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.disp.DispatchLine(line)
		data, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("marshal response", "error", err)
			continue
		}
		select {
		case responses <- data:
		case <-writerDone:
			s.log.Info("client disconnected")
			return
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("client read error", "error", err)
	} else {
		s.log.Info("client disconnected")
	}

	// Unblock the writer and let it drain pending responses.
	close(responses)
	<-writerDone
}

func writeFrame(conn net.Conn, frame []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return err
	}
	return nil
}

// Close shuts the listener down and removes the endpoint file.
func (s *Server) Close() {
	s.ln.Close()
	removeEndpoint(s.path)
}
