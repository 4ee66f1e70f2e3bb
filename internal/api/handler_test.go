//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/identity"
	"github.com/ashureev/agentrelay/internal/session"
	"github.com/ashureev/agentrelay/internal/store"
	"github.com/ashureev/agentrelay/internal/stream"
	"github.com/ashureev/agentrelay/internal/workspace"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestStatusFor(t *testing.T) {
	tests := map[error]int{
		domain.ErrInvalidIdentifier:         http.StatusBadRequest,
		domain.ErrUnknownModel:              http.StatusBadRequest,
		domain.ErrEmptyTask:                 http.StatusBadRequest,
		domain.ErrBlocked:                   http.StatusForbidden,
		domain.ErrBusy:                      http.StatusConflict,
		domain.ErrFileTooLarge:              http.StatusRequestEntityTooLarge,
		domain.ErrSpawnFailure:              http.StatusBadGateway,
		domain.ErrTimeout:                   http.StatusGatewayTimeout,
		errors.New("disk on fire"):          http.StatusInternalServerError,
		fmt.Errorf("x: %w", domain.ErrBusy): http.StatusConflict,
	}
	for err, want := range tests {
		assert.Equal(t, want, StatusFor(err), "error %v", err)
	}
}

type apiFixture struct {
	srv  *httptest.Server
	ws   *workspace.Store
	repo *store.SQLiteStore
}

func newAPIFixture(t *testing.T, maxUpload int64) *apiFixture {
	t.Helper()
	dir := t.TempDir()

	ws, err := workspace.New(filepath.Join(dir, "workspaces"), maxUpload)
	require.NoError(t, err)
	repo, err := store.NewSQLite(filepath.Join(dir, "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	mgr := session.NewManager(session.Config{
		AgentBinary:    "/nonexistent/agent",
		CommandTimeout: 5 * time.Second,
		Stream:         stream.Config{Window: 50 * time.Millisecond},
	}, session.Deps{Workspaces: ws, Repo: repo})

	r := chi.NewRouter()
	NewHealthHandler(repo, mgr, ws.Root()).RegisterHealth(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, identity.NewAllowList(nil)))
		NewSessionHandler(NewHandler(repo, mgr), ws.MaxUpload()).RegisterRoutes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, ws: ws, repo: repo}
}

func (f *apiFixture) do(t *testing.T, method, path, userID string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(identity.HeaderName, userID)
	}
	return decode(t, req)
}

func decode(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *apiFixture) upload(t *testing.T, userID, field, name string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(identity.HeaderName, userID)
	return decode(t, req)
}

func TestSessionAPI_RequiresOperator(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, _ := f.do(t, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/status", "bad id!", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionAPI_StatusAndPreferences(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, body := f.do(t, http.MethodGet, "/api/status", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, string(domain.DefaultModel), body["selected_model"])
	assert.Equal(t, true, body["auto_approve"])

	resp, body = f.do(t, http.MethodPut, "/api/model", "alice", map[string]string{"model": "gpt-5"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-5", body["model"])

	resp, _ = f.do(t, http.MethodPut, "/api/model", "alice", map[string]string{"model": "gpt-99"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/auto-approve", "alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/auto-approve", "alice", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = f.do(t, http.MethodGet, "/api/status", "alice", nil)
	assert.Equal(t, "gpt-5", body["selected_model"])
	assert.Equal(t, false, body["auto_approve"])
}

func TestSessionAPI_ListModels(t *testing.T) {
	f := newAPIFixture(t, 0)
	resp, body := f.do(t, http.MethodGet, "/api/models", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models, ok := body["models"].([]any)
	require.True(t, ok)
	assert.Len(t, models, len(domain.Models()))
}

func TestSessionAPI_RunAndHistory(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, body := f.do(t, http.MethodPost, "/api/run", "alice", map[string]string{"text": "echo hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := body["result"].(map[string]any)
	assert.EqualValues(t, 0, result["exit_code"])
	assert.Equal(t, []any{"hi\n"}, result["stdout_chunks"])

	resp, body = f.do(t, http.MethodPost, "/api/run", "alice", map[string]string{"text": "rm -rf /"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "blocked")

	resp, _ = f.do(t, http.MethodPost, "/api/run", "alice", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/history?limit=5", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execs := body["executions"].([]any)
	require.Len(t, execs, 1)
	assert.Equal(t, "echo hi", execs[0].(map[string]any)["task"])

	resp, _ = f.do(t, http.MethodGet, "/api/history?limit=zero", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionAPI_AgentSpawnFailure(t *testing.T) {
	f := newAPIFixture(t, 0)
	resp, body := f.do(t, http.MethodPost, "/api/agent", "alice", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "failed to start process")

	_, body = f.do(t, http.MethodGet, "/api/status", "alice", nil)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, false, body["continuation_active"])
}

func TestSessionAPI_Upload(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, body := f.upload(t, "alice", "file", "notes.md", []byte("# notes\n"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "notes.md", body["name"])

	data, err := os.ReadFile(filepath.Join(f.ws.Root(), "alice", "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "# notes\n", string(data))

	_, body = f.do(t, http.MethodGet, "/api/status", "alice", nil)
	assert.Equal(t, []any{"notes.md"}, body["pending_files"])

	resp, _ = f.upload(t, "alice", "attachment", "notes.md", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.upload(t, "alice", "file", "..", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionAPI_UploadTooLarge(t *testing.T) {
	f := newAPIFixture(t, 16)

	resp, body := f.upload(t, "bob", "file", "big.txt", []byte(strings.Repeat("x", 17)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, body["error"], "too large")

	_, err := os.Stat(filepath.Join(f.ws.Root(), "bob"))
	assert.True(t, os.IsNotExist(err))

	// Far over the limit is refused from the declared length alone.
	resp, _ = f.upload(t, "bob", "file", "huge.bin", bytes.Repeat([]byte("x"), 200<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSessionAPI_Clear(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, _ := f.upload(t, "alice", "file", "a.txt", []byte("a"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/clear", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cleared", body["status"])

	entries, err := os.ReadDir(filepath.Join(f.ws.Root(), "alice"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["workspaces"])

	require.NoError(t, f.repo.Close())
	resp, body = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}
