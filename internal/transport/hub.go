package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/agentrelay/internal/metrics"
)

const writeTimeout = 5 * time.Second

// Outbound frame types.
const (
	FrameMessage = "message"
	FrameEdit    = "edit"
	FramePong    = "pong"
	FrameStatus  = "status"
	FrameError   = "error"
)

// Frame is a server-to-client websocket message.
type Frame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Hub tracks open websocket connections per user and fans messages out to
// all of them. A user may have several tabs open.
type Hub struct {
	mu      sync.RWMutex
	active  map[string]map[string]*websocket.Conn
	metrics *metrics.Metrics
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		active:  make(map[string]map[string]*websocket.Conn),
		metrics: m,
	}
}

// Register adds a connection for a user. An existing connection with the
// same id is closed and replaced.
func (h *Hub) Register(userID, connID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := h.active[userID][connID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
		h.metrics.WSConnected(-1)
	}
	h.active[userID][connID] = conn
	h.metrics.WSConnected(1)
	slog.Info("Chat connection registered", "user_id", userID, "conn_id", connID)
}

// Unregister removes a connection if it is still the current one.
func (h *Hub) Unregister(userID, connID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[userID]
	if !ok {
		return
	}
	if current, exists := conns[connID]; exists && current == conn {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.active, userID)
		}
		h.metrics.WSConnected(-1)
		slog.Info("Chat connection unregistered", "user_id", userID, "conn_id", connID)
	}
}

// CloseUser terminates all connections of a user.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	conns, ok := h.active[userID]
	delete(h.active, userID)
	h.mu.Unlock()
	if !ok {
		return
	}

	// The close handshake waits for the peer, so it runs outside the lock.
	for id, conn := range conns {
		h.metrics.WSConnected(-1)
		slog.Info("Chat connection closed", "user_id", userID, "conn_id", id)
		go func() { _ = conn.Close(websocket.StatusNormalClosure, "session closed") }()
	}
}

// Connections returns how many connections a user has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}

func (h *Hub) conns(userID string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.active[userID]))
	for _, c := range h.active[userID] {
		out = append(out, c)
	}
	return out
}

// SendMessage broadcasts a new message to every connection of the user.
// With no connection open the message is dropped; HTTP callers still get
// the result in their response.
func (h *Hub) SendMessage(ctx context.Context, userID, text string) (MessageHandle, error) {
	handle := MessageHandle{UserID: userID, MessageID: uuid.NewString()}
	err := h.Publish(ctx, userID, Frame{Type: FrameMessage, MessageID: handle.MessageID, Text: text})
	return handle, err
}

// EditMessage replaces the text of a previously sent message.
func (h *Hub) EditMessage(ctx context.Context, handle MessageHandle, text string) error {
	return h.Publish(ctx, handle.UserID, Frame{Type: FrameEdit, MessageID: handle.MessageID, Text: text})
}

// Publish writes a frame to all of the user's connections. It fails only
// when every write failed.
func (h *Hub) Publish(ctx context.Context, userID string, f Frame) error {
	conns := h.conns(userID)
	if len(conns) == 0 {
		slog.Debug("No chat connection, dropping frame", "user_id", userID, "type", f.Type)
		return nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	var errs []error
	for _, c := range conns {
		if err := writeFrame(ctx, c, data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(conns) {
		return fmt.Errorf("write %s frame: %w", f.Type, errors.Join(errs...))
	}
	return nil
}

func writeFrame(ctx context.Context, c *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return c.Write(wctx, websocket.MessageText, data)
}
