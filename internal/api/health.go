package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentrelay/internal/session"
	"github.com/ashureev/agentrelay/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo          store.Repository
	mgr           *session.Manager
	workspaceRoot string
}

// NewHealthHandler creates a new health handler. repo and mgr may be nil.
func NewHealthHandler(repo store.Repository, mgr *session.Manager, workspaceRoot string) *HealthHandler {
	return &HealthHandler{repo: repo, mgr: mgr, workspaceRoot: workspaceRoot}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			checks["database"] = "unreachable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	if h.workspaceRoot != "" {
		if info, err := os.Stat(h.workspaceRoot); err != nil || !info.IsDir() {
			slog.Error("Workspace root unavailable", "path", h.workspaceRoot, "error", err)
			checks["workspaces"] = "unavailable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["workspaces"] = "ok"
		}
	}

	if h.mgr != nil {
		status["sessions"] = h.mgr.Registry().Len()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
