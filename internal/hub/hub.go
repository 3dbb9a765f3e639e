// Package hub is an optional localhost WebSocket bridge exposing the
// daemon protocol to browser-based clients. Each connection speaks the
// same Request/Response/Event JSON as the local socket, one frame per
// websocket message.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/claudedeck/internal/bus"
	"github.com/user/claudedeck/internal/ipc"
)

type Hub struct {
	disp *ipc.Dispatcher
	bus  *bus.Bus
	log  *slog.Logger
}

func New(disp *ipc.Dispatcher, b *bus.Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{disp: disp, bus: b, log: log}
}

// Handler returns the HTTP mux serving the websocket at /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	return mux
}

// Serve runs an HTTP server on addr until ctx is cancelled. The caller
// binds this to a loopback address only.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler()}

	errCh := make(chan error, 1)
	go func() {
		h.log.Info("websocket bridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept", "error", err)
		return
	}
	client := newClient(conn, h)
	client.run(r.Context())
}

type client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

func newClient(conn *websocket.Conn, h *Hub) *client {
	return &client{conn: conn, hub: h, send: make(chan []byte, 256)}
}

func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	sub := c.hub.bus.Subscribe()
	defer sub.Close()

	// Forward bus events into the send queue; a full queue drops the
	// event (clients reconcile by re-listing, as over the socket).
	go func() {
		for ev := range sub.C() {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case c.send <- data:
			default:
			}
		}
	}()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(2 * 1024 * 1024)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				c.hub.log.Debug("websocket read", "error", err)
			}
			return
		}
		resp := c.hub.disp.DispatchLine(data)
		out, err := json.Marshal(resp)
		if err != nil {
			c.hub.log.Error("marshal response", "error", err)
			continue
		}
		select {
		case c.send <- out:
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}
