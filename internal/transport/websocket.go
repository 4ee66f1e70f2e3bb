package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/agentrelay/internal/identity"
)

// Inbound request types.
const (
	InboundTask        = "task"
	InboundRun         = "run"
	InboundClear       = "clear"
	InboundModel       = "model"
	InboundAutoApprove = "auto_approve"
	InboundStatus      = "status"
	InboundPing        = "ping"
)

// Inbound is a client-to-server websocket message.
type Inbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Model   string `json:"model,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Router handles an inbound request on behalf of a user. It replies through
// the hub; Route may block for the length of an execution.
type Router interface {
	Route(ctx context.Context, userID string, in Inbound)
}

// ActivityRecorder persists the last time a user was seen.
type ActivityRecorder interface {
	UpdateLastSeen(ctx context.Context, userID string, t time.Time) error
}

// WebSocketHandler upgrades chat connections and feeds their requests to
// the router.
type WebSocketHandler struct {
	hub           *Hub
	router        Router
	activity      ActivityRecorder
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new chat websocket handler. activity may be nil.
func NewWebSocketHandler(hub *Hub, router Router, activity ActivityRecorder, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		router:        router,
		activity:      activity,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "missing operator identity", http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	connID := uuid.NewString()
	h.hub.Register(userID, connID, ws)
	defer h.hub.Unregister(userID, connID, ws)

	h.readLoop(r.Context(), ws, userID)
	slog.Info("Chat connection ended", "user_id", userID, "conn_id", connID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
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

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	// Executions outlive the connection that requested them; results are
	// delivered to whatever connections are open when they finish.
	routeCtx := context.WithoutCancel(ctx)

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(message, &in); err != nil {
			// Plain text frames are agent tasks.
			in = Inbound{Type: InboundTask, Text: string(message)}
		}

		if in.Type == InboundPing {
			if err := writeFrame(ctx, ws, mustJSON(Frame{Type: FramePong})); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
			continue
		}

		go h.router.Route(routeCtx, userID, in)
		h.touch(userID)
	}
}

func (h *WebSocketHandler) touch(userID string) {
	if h.activity == nil {
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.activity.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err, "user_id", userID)
		}
	}()
}

func mustJSON(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}
