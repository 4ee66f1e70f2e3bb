// Package identity resolves the operator behind a request and enforces the
// allow-list.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/store"
)

const (
	// HeaderName carries the operator id on HTTP requests.
	HeaderName = "X-Operator-ID"
	// QueryParam carries the operator id where headers cannot be set, such
	// as browser websocket upgrades.
	QueryParam = "operator_id"
)

type contextKey int

const userIDKey contextKey = iota

var operatorIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// UserIDFromContext extracts the operator id from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying the operator id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// ValidID reports whether id is an acceptable operator id.
func ValidID(id string) bool {
	return operatorIDPattern.MatchString(id)
}

// AllowList restricts which operators may use the relay. An empty list
// admits everyone.
type AllowList struct {
	ids map[string]struct{}
}

// NewAllowList builds an allow-list from ids, ignoring blanks.
func NewAllowList(ids []string) *AllowList {
	a := &AllowList{ids: make(map[string]struct{})}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a.ids[id] = struct{}{}
		}
	}
	return a
}

// Allowed reports whether userID may proceed.
func (a *AllowList) Allowed(userID string) bool {
	if a == nil || len(a.ids) == 0 {
		return true
	}
	_, ok := a.ids[userID]
	return ok
}

// Open reports whether the list admits everyone.
func (a *AllowList) Open() bool {
	return a == nil || len(a.ids) == 0
}

func ensureOperator(ctx context.Context, repo store.Repository, userID string) error {
	op, err := repo.GetOperator(ctx, userID)
	if err != nil {
		return err
	}
	if op != nil {
		return nil
	}

	now := time.Now()
	slog.Info("Registering new operator", "user_id", userID)
	return repo.UpsertOperator(ctx, &domain.Operator{
		UserID:     userID,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func userIDFromRequest(r *http.Request) string {
	id := r.Header.Get(HeaderName)
	if id == "" {
		id = r.URL.Query().Get(QueryParam)
	}
	return strings.TrimSpace(id)
}

// Middleware resolves the operator id, checks the allow-list and makes sure
// the operator is registered before passing the request on.
func Middleware(repo store.Repository, allow *AllowList) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userIDFromRequest(r)
			if userID == "" {
				writeError(w, http.StatusUnauthorized, "missing operator id")
				return
			}
			if !ValidID(userID) {
				writeError(w, http.StatusBadRequest, "invalid operator id")
				return
			}
			if !allow.Allowed(userID) {
				slog.Warn("Operator not in allow-list", "user_id", userID, "ip", IPFromRequest(r))
				writeError(w, http.StatusForbidden, "operator not allowed")
				return
			}

			if repo != nil {
				if err := ensureOperator(r.Context(), repo, userID); err != nil {
					slog.Error("Failed to register operator", "error", err, "user_id", userID)
					writeError(w, http.StatusInternalServerError, "failed to initialize operator")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
