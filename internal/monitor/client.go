package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StatsClient polls the directord stats endpoint.
type StatsClient struct {
	baseURL string
	client  *http.Client
}

// NewStatsClient creates a client for the daemon at baseURL.
func NewStatsClient(baseURL string) *StatsClient {
	return &StatsClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// StatsSnapshot is the subset of GET /api/v1/stats the dashboard renders.
type StatsSnapshot struct {
	Timestamp        time.Time       `json:"timestamp"`
	Bus              BusStats        `json:"bus"`
	Registry         RegistryStats   `json:"registry"`
	ActiveWorkflows  int             `json:"activeWorkflows"`
	ContextConflicts int             `json:"contextConflicts"`
	Sessions         []SessionRow    `json:"sessions"`
	Workflows        []WorkflowRow   `json:"workflows"`
	Checkpoints      []CheckpointRow `json:"checkpoints"`
}

// BusStats mirrors the bus counters in the stats payload.
type BusStats struct {
	Published   uint64 `json:"published"`
	Processed   uint64 `json:"processed"`
	Rejected    uint64 `json:"rejected"`
	Pending     int    `json:"pending"`
	Subscribers int    `json:"subscribers"`
}

// RegistryStats mirrors the registry counters in the stats payload.
type RegistryStats struct {
	TotalSessions     int `json:"total_sessions"`
	ActiveSessions    int `json:"active_sessions"`
	TotalDepartments  int `json:"total_departments"`
	ActiveDepartments int `json:"active_departments"`
	TotalCheckpoints  int `json:"total_checkpoints"`
}

// SessionRow is one session in the stats payload.
type SessionRow struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// WorkflowRow is one workflow in the stats payload. Steps are decoded
// opaquely; only their count is rendered.
type WorkflowRow struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	SessionID   string            `json:"sessionId"`
	Status      string            `json:"status"`
	CurrentStep int               `json:"currentStep"`
	Steps       []json.RawMessage `json:"steps"`
	LastError   string            `json:"lastError"`
}

// CheckpointRow is one checkpoint in the stats payload.
type CheckpointRow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	Tags      []string  `json:"tags"`
}

// FetchStats fetches one stats snapshot.
func (c *StatsClient) FetchStats(ctx context.Context) (StatsSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/stats", nil)
	if err != nil {
		return StatsSnapshot{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return StatsSnapshot{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatsSnapshot{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var snap StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return StatsSnapshot{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return snap, nil
}
