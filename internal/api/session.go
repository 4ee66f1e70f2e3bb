package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/identity"
	"github.com/ashureev/agentrelay/internal/session"
)

const (
	maxJSONBody = 1 << 20
	// multipart framing on top of the file itself
	uploadOverhead = 64 << 10
	uploadField    = "file"
	defaultHistory = 20
)

// SessionHandler serves the per-operator session endpoints.
type SessionHandler struct {
	*Handler
	maxUpload int64
}

// NewSessionHandler creates a session handler. maxUpload bounds uploaded files.
func NewSessionHandler(base *Handler, maxUpload int64) *SessionHandler {
	return &SessionHandler{Handler: base, maxUpload: maxUpload}
}

// RegisterRoutes registers session routes. They expect identity middleware in
// front of them.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/models", h.ListModels)
		r.Get("/status", h.GetStatus)
		r.Get("/history", h.History)
		r.Post("/clear", h.Clear)
		r.Put("/model", h.SetModel)
		r.Put("/auto-approve", h.SetAutoApprove)
		r.Post("/upload", h.Upload)
		r.Post("/agent", h.AgentTask)
		r.Post("/run", h.DirectCommand)
	})
}

type taskRequest struct {
	Text string `json:"text"`
}

type modelRequest struct {
	Model string `json:"model"`
}

type autoApproveRequest struct {
	Enabled *bool `json:"enabled"`
}

// ListModels returns the supported models.
func (h *SessionHandler) ListModels(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"models": domain.Models()})
}

// GetStatus returns the caller's session snapshot.
func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.mgr.GetStatus(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Clear wipes the caller's workspace and conversation.
func (h *SessionHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.ClearSession(r.Context(), identity.UserIDFromContext(r.Context())); err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// SetModel selects the model for the caller's next agent task.
func (h *SessionHandler) SetModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mdl, err := h.mgr.SetModel(r.Context(), identity.UserIDFromContext(r.Context()), req.Model)
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"model": string(mdl)})
}

// SetAutoApprove toggles tool auto-approval for the caller.
func (h *SessionHandler) SetAutoApprove(w http.ResponseWriter, r *http.Request) {
	var req autoApproveRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Enabled == nil {
		Error(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	if err := h.mgr.SetAutoApprove(r.Context(), identity.UserIDFromContext(r.Context()), *req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"auto_approve": *req.Enabled})
}

// Upload stores a multipart file in the caller's workspace. Bodies over the
// limit are refused before anything is written.
func (h *SessionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if r.ContentLength > h.maxUpload+uploadOverhead {
		writeErr(w, fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrFileTooLarge, r.ContentLength, h.maxUpload))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+uploadOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		Error(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			Error(w, http.StatusBadRequest, `missing "file" field`)
			return
		}
		if err != nil {
			h.uploadReadError(w, err)
			return
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, h.maxUpload+1))
		part.Close()
		if err != nil {
			h.uploadReadError(w, err)
			return
		}
		att, err := h.mgr.HandleFileUpload(r.Context(), userID, data, part.FileName())
		if err != nil {
			writeErr(w, err)
			return
		}
		JSON(w, http.StatusCreated, att)
		return
	}
}

func (h *SessionHandler) uploadReadError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeErr(w, fmt.Errorf("%w: limit is %d bytes", domain.ErrFileTooLarge, h.maxUpload))
		return
	}
	slog.Debug("Failed to read upload", "error", err)
	Error(w, http.StatusBadRequest, "malformed upload")
}

// AgentTask runs an agent task and returns its outcome once finished. Output
// is streamed to the caller's chat connections meanwhile.
func (h *SessionHandler) AgentTask(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, h.mgr.HandleAgentTask)
}

// DirectCommand runs a shell command and returns its outcome.
func (h *SessionHandler) DirectCommand(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, h.mgr.HandleDirectCommand)
}

type executeFunc func(ctx context.Context, userID, text string) (*session.Outcome, error)

func (h *SessionHandler) execute(w http.ResponseWriter, r *http.Request, run executeFunc) {
	var req taskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	out, err := run(r.Context(), identity.UserIDFromContext(r.Context()), req.Text)
	if err != nil {
		if out != nil {
			JSON(w, StatusFor(err), map[string]any{"error": err.Error(), "outcome": out})
			return
		}
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, out)
}

// History lists the caller's recent executions. ?limit= bounds the result.
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		JSON(w, http.StatusOK, map[string]any{"executions": []any{}})
		return
	}
	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := h.repo.ListExecutions(r.Context(), identity.UserIDFromContext(r.Context()), limit)
	if err != nil {
		slog.Error("Failed to list executions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"executions": recs})
}
