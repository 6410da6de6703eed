package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/stats", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"timestamp": "2026-01-02T03:04:05Z",
			"bus": {"published": 10, "processed": 8, "rejected": 1, "pending": 1, "subscribers": 3},
			"registry": {"total_sessions": 2, "active_sessions": 1},
			"activeWorkflows": 1,
			"contextConflicts": 2,
			"sessions": [{"id": "s-1", "type": "director", "name": "alpha", "status": "active"}],
			"workflows": [{"id": "w-1", "name": "release", "sessionId": "s-1", "status": "running", "currentStep": 1, "steps": [{}, {}]}],
			"checkpoints": [{"id": "cp-1", "name": "before-release", "sessionId": "s-1", "createdAt": "2026-01-02T03:00:00Z"}]
		}`))
	}))
	defer srv.Close()

	snap, err := NewStatsClient(srv.URL).FetchStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(10), snap.Bus.Published)
	assert.Equal(t, 1, snap.Bus.Pending)
	assert.Equal(t, 2, snap.Registry.TotalSessions)
	assert.Equal(t, 1, snap.ActiveWorkflows)
	assert.Equal(t, 2, snap.ContextConflicts)
	require.Len(t, snap.Workflows, 1)
	assert.Len(t, snap.Workflows[0].Steps, 2)
	require.Len(t, snap.Checkpoints, 1)
	assert.Equal(t, "before-release", snap.Checkpoints[0].Name)
}

func TestFetchStats_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewStatsClient(srv.URL).FetchStats(context.Background())
	assert.ErrorContains(t, err, "unexpected status code 500")
}

func TestFetchStats_Unreachable(t *testing.T) {
	_, err := NewStatsClient("http://127.0.0.1:1").FetchStats(context.Background())
	assert.Error(t, err)
}
