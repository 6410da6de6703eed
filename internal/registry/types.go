package registry

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"time"
)

// Errors for registry operations.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrDepartmentNotFound = errors.New("department not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrDuplicateSession   = errors.New("session with same name and type already active")
	ErrSessionTerminated  = errors.New("session is terminated")
	ErrInvalidEntity      = errors.New("invalid entity")
	ErrPathTraversal      = errors.New("path traversal detected")
	ErrStateCorrupted     = errors.New("registry state corrupted")
	ErrClosed             = errors.New("registry is closed")
)

// idPattern validates entity ids, which become filenames.
// Allows alphanumeric, hyphens, underscores, and dots.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateID checks that an id is safe for filesystem paths.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id is required")
	}
	if len(id) > 255 {
		return errors.New("id too long (max 255)")
	}
	if !idPattern.MatchString(id) {
		return errors.New("id must be alphanumeric with hyphens/underscores/dots")
	}
	if id == "." || id == ".." {
		return ErrPathTraversal
	}
	for _, c := range id {
		if c == '/' || c == '\\' || c == '\x00' {
			return ErrPathTraversal
		}
	}
	if filepath.Clean(id) != id {
		return ErrPathTraversal
	}
	return nil
}

// SessionStatus is the lifecycle state of a registered session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusActive       SessionStatus = "active"
	StatusIdle         SessionStatus = "idle"
	StatusCompleted    SessionStatus = "completed"
	StatusError        SessionStatus = "error"
	StatusTerminated   SessionStatus = "terminated"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusInitializing, StatusActive, StatusIdle, StatusCompleted, StatusError, StatusTerminated:
		return true
	}
	return false
}

// Terminal reports whether a session in this status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == StatusTerminated
}

// Session is a registered orchestration session.
type Session struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Name         string            `json:"name"`
	Workspace    string            `json:"workspace,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	Status       SessionStatus     `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SessionUpdate is a partial session mutation. Nil fields are left
// untouched; Metadata entries are merged key-wise.
type SessionUpdate struct {
	Name      *string
	Status    *SessionStatus
	Workspace *string
	Branch    *string
	Metadata  map[string]string
}

// Performance tracks a department's task throughput.
type Performance struct {
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	SuccessRate    float64 `json:"success_rate"`
}

// Department is a registered specialist worker bound to a session.
type Department struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Domain         string      `json:"domain"`
	SessionID      string      `json:"session_id"`
	IsActive       bool        `json:"is_active"`
	CurrentTask    string      `json:"current_task,omitempty"`
	CompletedTasks []string    `json:"completed_tasks,omitempty"`
	Performance    Performance `json:"performance"`
	RegisteredAt   time.Time   `json:"registered_at"`
}

func (d *Department) clone() *Department {
	cp := *d
	if d.CompletedTasks != nil {
		cp.CompletedTasks = append([]string(nil), d.CompletedTasks...)
	}
	return &cp
}

// DepartmentUpdate is a partial department mutation.
type DepartmentUpdate struct {
	IsActive      *bool
	CurrentTask   *string
	CompletedTask *string // appended to CompletedTasks
	Performance   *Performance
}

// CheckpointRecord is checkpoint metadata plus its snapshot payload. The
// payload schema belongs to the checkpoint manager; the registry persists
// it opaquely. A record may outlive the session it captured.
type CheckpointRecord struct {
	ID                 string            `json:"id"`
	SessionID          string            `json:"session_id"`
	Name               string            `json:"name"`
	Tags               []string          `json:"tags,omitempty"`
	GitBranch          string            `json:"git_branch,omitempty"`
	GitCommit          string            `json:"git_commit,omitempty"`
	State              json.RawMessage   `json:"state,omitempty"`
	Checksum           string            `json:"checksum,omitempty"`
	SizeBytes          int64             `json:"size_bytes,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	RetentionExpiresAt time.Time         `json:"retention_expires_at"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func (c *CheckpointRecord) clone() *CheckpointRecord {
	cp := *c
	if c.Tags != nil {
		cp.Tags = append([]string(nil), c.Tags...)
	}
	if c.State != nil {
		cp.State = append(json.RawMessage(nil), c.State...)
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// HasTag reports whether the record carries the given tag.
func (c *CheckpointRecord) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Stats is a snapshot of registry contents.
type Stats struct {
	TotalSessions     int       `json:"total_sessions"`
	ActiveSessions    int       `json:"active_sessions"`
	TotalDepartments  int       `json:"total_departments"`
	ActiveDepartments int       `json:"active_departments"`
	TotalCheckpoints  int       `json:"total_checkpoints"`
	LastSave          time.Time `json:"last_save"`
}

// Health states reported by HealthCheck.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// HealthStatus describes registry load. Degraded is advisory; operations
// continue to be accepted.
type HealthStatus struct {
	State          string   `json:"state"`
	ActiveSessions int      `json:"active_sessions"`
	TotalSessions  int      `json:"total_sessions"`
	SessionLoad    float64  `json:"session_load"`
	QueueDepth     int      `json:"queue_depth"`
	Reasons        []string `json:"reasons,omitempty"`
}
