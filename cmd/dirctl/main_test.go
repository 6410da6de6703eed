package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	prev := serverURL
	serverURL = srv.URL
	t.Cleanup(func() { serverURL = prev })
}

func TestAPIGet(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v1/sessions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": "s-1", "name": "alpha", "status": "active"}]`))
	})

	var sessions []Session
	require.NoError(t, apiGet("/api/v1/sessions", &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "alpha", sessions[0].Name)
}

func TestAPIGet_ErrorIncludesBody(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "session not found"}`))
	})

	err := apiGet("/api/v1/sessions/nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "session not found")
}

func TestAPIPost(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "s-2", "status": "initializing"}`))
	})

	var sess Session
	require.NoError(t, apiPost("/api/v1/sessions", map[string]any{"name": "beta"}, &sess))
	assert.Equal(t, "s-2", sess.ID)
}

func TestAPIDelete(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, apiDelete("/api/v1/sessions/s-1"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a-long-...", truncate("a-long-identifier", 10))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.NotEqual(t, "-", formatTime(time.Now()))
}
