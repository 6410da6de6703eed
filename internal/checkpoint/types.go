package checkpoint

import (
	"errors"
	"time"
)

// Errors returned by the checkpoint manager.
var (
	// ErrCheckpointNotFound indicates no checkpoint exists with the ID.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointTooRecent indicates a delete was refused because the
	// checkpoint is younger than the minimum delete age. Not retryable.
	ErrCheckpointTooRecent = errors.New("checkpoint too recent to delete")
	// ErrChecksumMismatch indicates the stored snapshot no longer matches
	// its recorded checksum.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("checkpoint manager is closed")
)

// Checkpoint is a point-in-time capture of system state.
type Checkpoint struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	SessionID          string         `json:"sessionId,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	Snapshot           SystemSnapshot `json:"snapshot"`
	Checksum           string         `json:"checksum"`
	Size               int64          `json:"size"`
	RetentionExpiresAt time.Time      `json:"retentionExpiresAt"`
	Tags               []string       `json:"tags,omitempty"`
}

// HasTag reports whether the checkpoint carries the given tag.
func (c *Checkpoint) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SystemSnapshot is the serialized payload of a checkpoint.
type SystemSnapshot struct {
	Sessions []SessionState `json:"sessions"`
	Git      GitState       `json:"git"`
	Metrics  SystemMetrics  `json:"metrics"`
	Context  ContextSummary `json:"context"`
}

// SessionState captures one session together with its departments.
type SessionState struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Name         string            `json:"name"`
	Workspace    string            `json:"workspace,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Departments  []DepartmentState `json:"departments,omitempty"`
	LastActivity time.Time         `json:"lastActivity"`
}

// DepartmentState captures a department registration.
type DepartmentState struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	IsActive    bool   `json:"isActive"`
	CurrentTask string `json:"currentTask,omitempty"`
}

// GitState captures repository shape at checkpoint time.
type GitState struct {
	Branch   string   `json:"branch,omitempty"`
	Commit   string   `json:"commit,omitempty"`
	Branches []string `json:"branches,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// SystemMetrics are coarse runtime numbers recorded alongside the snapshot.
type SystemMetrics struct {
	ActiveSessions  int    `json:"activeSessions"`
	PendingMessages int    `json:"pendingMessages"`
	Goroutines      int    `json:"goroutines"`
	HeapBytes       uint64 `json:"heapBytes"`
}

// ContextSummary condenses the context manager state.
type ContextSummary struct {
	ItemCount   int      `json:"itemCount"`
	Windows     int      `json:"windows"`
	TopEntities []string `json:"topEntities,omitempty"`
}

// CreateInput names a checkpoint request. SessionID scopes the snapshot to
// one session; empty captures every session.
type CreateInput struct {
	Name      string
	SessionID string
	Tags      []string
}

// RestoreOptions control which phases a restore runs.
type RestoreOptions struct {
	// BackupFirst creates a safety checkpoint before touching anything.
	BackupFirst bool
	// RestoreGit resets the repository to the snapshot commit and
	// recreates recorded branches and tags.
	RestoreGit bool
	// RestoreContext re-seeds the context summary after restoring.
	RestoreContext bool
	// Overwrite applies snapshot state over sessions that still exist.
	Overwrite bool
}

// ConflictType classifies a restore conflict.
const ConflictSessionExists = "session_exists"

// Conflict records a collision between snapshot state and live state.
type Conflict struct {
	Type       string `json:"type"`
	EntityID   string `json:"entityId"`
	Severity   string `json:"severity"`
	Resolution string `json:"resolution"`
}

// RestoreResult reports everything a restore did and did not manage.
// Success is false exactly when Errors is non-empty; conflicts and
// warnings alone do not fail a restore.
type RestoreResult struct {
	Success          bool       `json:"success"`
	CheckpointID     string     `json:"checkpointId"`
	RestoredSessions int        `json:"restoredSessions"`
	RestoredBranches int        `json:"restoredBranches"`
	Conflicts        []Conflict `json:"conflicts,omitempty"`
	Warnings         []string   `json:"warnings,omitempty"`
	Errors           []string   `json:"errors,omitempty"`
}
