// Package api provides HTTP handlers for the agentrelay API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/session"
	"github.com/ashureev/agentrelay/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
	mgr  *session.Manager
}

// NewHandler creates a new Handler with common dependencies. repo may be nil.
func NewHandler(repo store.Repository, mgr *session.Manager) *Handler {
	return &Handler{repo: repo, mgr: mgr}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a session error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidIdentifier),
		errors.Is(err, domain.ErrUnknownModel),
		errors.Is(err, domain.ErrInvalidFilename),
		errors.Is(err, domain.ErrEmptyTask):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrSpawnFailure):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	Error(w, StatusFor(err), err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
