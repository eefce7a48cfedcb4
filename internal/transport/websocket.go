// Package transport serves the verifier over WebSocket.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/identity"
	"github.com/ashureev/agentcaptcha/internal/protocol"
	"github.com/ashureev/agentcaptcha/internal/verifier"
)

// maxFrameSize caps a single client frame.
const maxFrameSize = 64 << 10

// Conn adapts a WebSocket connection to verifier.Conn.
//
// A single reader goroutine owns ws.Read so that a stage deadline only
// abandons the wait, never the connection: coder/websocket closes the
// connection when a Read context ends.
type Conn struct {
	ws     *websocket.Conn
	frames chan frame
	done   chan struct{}
	cancel context.CancelFunc
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// NewConn starts reading from ws. Call Close when the session ends.
func NewConn(ctx context.Context, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ws:     ws,
		frames: make(chan frame),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go c.readLoop(ctx)
	return c
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.frames)
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("WebSocket read error", "error", err)
			}
			return
		}
		select {
		case c.frames <- frame{typ: typ, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes msg as one JSON text frame.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.MessageType(), err)
	}
	return nil
}

// Receive returns the next client frame decoded as a response.
func (c *Conn) Receive(ctx context.Context) (protocol.Response, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return protocol.Response{}, verifier.ErrDisconnected
		}
		if f.typ != websocket.MessageText {
			return protocol.Response{}, fmt.Errorf("%w: binary frame", verifier.ErrMalformedFrame)
		}
		resp, err := protocol.DecodeResponse(f.data)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("%w: %v", verifier.ErrMalformedFrame, err)
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// Close closes the connection and waits for the reader to stop. Frames that
// arrive after the verdict are discarded.
func (c *Conn) Close(status websocket.StatusCode, reason string) {
	go func() {
		for range c.frames {
		}
	}()
	if err := c.ws.Close(status, reason); err != nil {
		slog.Debug("Failed to close websocket", "error", err)
	}
	c.cancel()
	<-c.done
}

// Handler upgrades /ws/verify requests and runs one verification per
// connection.
type Handler struct {
	verifier      *verifier.Verifier
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket handler.
func NewHandler(v *verifier.Verifier, allowedOrigin string, isDev bool) *Handler {
	return &Handler{verifier: v, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := identity.AgentIDFromContext(r.Context())
	if agentID == "" {
		var err error
		if agentID, err = identity.AgentIDFromRequest(r); err != nil {
			http.Error(w, `{"error":"failed to establish agent identity"}`, http.StatusInternalServerError)
			return
		}
	}
	slog.Info("WebSocket connection request", "agent_id", agentID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "agent_id", agentID)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := NewConn(r.Context(), ws)
	out := h.verifier.Run(r.Context(), conn, agentID)

	if out.Reason == domain.ReasonIncomplete {
		conn.Close(websocket.StatusGoingAway, "client disconnected")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "verification complete")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
