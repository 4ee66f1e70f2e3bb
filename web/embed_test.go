package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandler(t *testing.T) {
	h := Handler()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/", http.StatusOK, "agentrelay"},
		{"/app.js", http.StatusOK, "WebSocket"},
		{"/some/client/route", http.StatusOK, "<title>agentrelay</title>"},
		{"/api/unknown", http.StatusNotFound, ""},
		{"/ws/other", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			if tt.contains != "" {
				assert.Contains(t, w.Body.String(), tt.contains)
			}
		})
	}
}
