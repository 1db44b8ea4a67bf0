package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/synccode/backend/internal/api"
	"github.com/manpreetbhatti/synccode/backend/internal/lifecycle"
	"github.com/manpreetbhatti/synccode/backend/internal/room"
	"github.com/manpreetbhatti/synccode/backend/internal/ws"
)

func TestAllowOrigin(t *testing.T) {
	allow := allowOrigin("https://synccode.example.com/")

	cases := map[string]bool{
		"https://synccode.example.com":   true,
		"http://localhost:5173":          true,
		"http://127.0.0.1:3000":          true,
		"https://preview-abc.vercel.app": true,
		"https://evil.example.com":       false,
		"https://vercel.app.evil.com":    false,
		"":                               false,
		"not a url":                      false,
	}
	for origin, want := range cases {
		assert.Equal(t, want, allow(nil, origin), origin)
	}
}

func setupTestRouter(t *testing.T) http.Handler {
	t.Helper()
	log := zaptest.NewLogger(t)
	registry := room.NewRegistry(lifecycle.Config{GracePeriod: time.Minute})
	t.Cleanup(registry.Close)
	upgrader := ws.NewUpgrader(ws.DefaultConfig(), log)
	return newRouter(log, registry, upgrader, api.New(registry, nil, log), allowOrigin("http://localhost:5173"))
}

func TestRouterServesHealthAndAPI(t *testing.T) {
	router := setupTestRouter(t)

	for _, path := range []string{"/healthz", "/api/stats", "/api/rooms", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/rooms/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterCORS(t *testing.T) {
	router := setupTestRouter(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
