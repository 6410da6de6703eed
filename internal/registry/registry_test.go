package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/directord/internal/config"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := New(config.RegistryConfig{
		DataDir:          dir,
		AutosaveInterval: config.Duration(time.Hour),
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, dir
}

func registerTestSession(t *testing.T, r *Registry, name string) *Session {
	t.Helper()
	s, err := r.RegisterSession(&Session{Type: "orchestrator", Name: name})
	if err != nil {
		t.Fatalf("RegisterSession(%q) failed: %v", name, err)
	}
	return s
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid alphanumeric", "session1", false},
		{"valid with hyphen", "session-1", false},
		{"valid with underscore", "session_1", false},
		{"valid with dot", "session.v2", false},
		{"valid uuid", "0b8f4a7e-9a1c-4a2a-b013-92e0b1a7e111", false},
		{"empty", "", true},
		{"starts with hyphen", "-session", true},
		{"starts with dot", ".session", true},
		{"path traversal dot", ".", true},
		{"path traversal dotdot", "..", true},
		{"contains slash", "a/b", true},
		{"contains backslash", "a\\b", true},
		{"contains space", "a b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_RegisterSession(t *testing.T) {
	r, dir := newTestRegistry(t)

	s := registerTestSession(t, r, "build-pipeline")
	if s.ID == "" {
		t.Error("session ID is empty")
	}
	if s.Status != StatusInitializing {
		t.Errorf("status = %q, want %q", s.Status, StatusInitializing)
	}
	if s.CreatedAt.IsZero() || s.LastActivity.IsZero() {
		t.Error("timestamps not set")
	}

	// Entity file created
	path := filepath.Join(dir, "sessions", s.ID+".json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("session file not created: %v", err)
	}

	// Duplicate name+type among live sessions rejected
	_, err := r.RegisterSession(&Session{Type: "orchestrator", Name: "build-pipeline"})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("duplicate registration error = %v, want ErrDuplicateSession", err)
	}

	// Same name under a different type is fine
	if _, err := r.RegisterSession(&Session{Type: "worker", Name: "build-pipeline"}); err != nil {
		t.Errorf("different type registration failed: %v", err)
	}

	// Terminating frees the name
	if err := r.TerminateSession(s.ID); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if _, err := r.RegisterSession(&Session{Type: "orchestrator", Name: "build-pipeline"}); err != nil {
		t.Errorf("re-registration after terminate failed: %v", err)
	}
}

func TestRegistry_RegisterSessionValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.RegisterSession(&Session{Name: "x"}); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("missing type error = %v, want ErrInvalidEntity", err)
	}
	if _, err := r.RegisterSession(&Session{Type: "x"}); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("missing name error = %v, want ErrInvalidEntity", err)
	}
	if _, err := r.RegisterSession(&Session{Type: "x", Name: "y", ID: "../evil"}); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("traversal id error = %v, want ErrInvalidEntity", err)
	}
}

func TestRegistry_UpdateSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := registerTestSession(t, r, "alpha")
	before := s.LastActivity

	time.Sleep(5 * time.Millisecond)

	active := StatusActive
	branch := "feature/login"
	updated, err := r.UpdateSession(s.ID, SessionUpdate{
		Status:   &active,
		Branch:   &branch,
		Metadata: map[string]string{"score:security": "97"},
	})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if updated.Status != StatusActive {
		t.Errorf("status = %q, want active", updated.Status)
	}
	if updated.Branch != "feature/login" {
		t.Errorf("branch = %q", updated.Branch)
	}
	if updated.Metadata["score:security"] != "97" {
		t.Errorf("metadata not merged: %v", updated.Metadata)
	}
	if !updated.LastActivity.After(before) {
		t.Error("LastActivity not bumped")
	}

	// Metadata merges rather than replaces
	again, err := r.UpdateSession(s.ID, SessionUpdate{Metadata: map[string]string{"phase": "verify"}})
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if again.Metadata["score:security"] != "97" || again.Metadata["phase"] != "verify" {
		t.Errorf("metadata merge lost keys: %v", again.Metadata)
	}

	// Unknown session
	if _, err := r.UpdateSession("missing", SessionUpdate{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session error = %v", err)
	}

	// Terminated sessions are immutable
	if err := r.TerminateSession(s.ID); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if _, err := r.UpdateSession(s.ID, SessionUpdate{Status: &active}); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("terminated update error = %v, want ErrSessionTerminated", err)
	}
}

func TestRegistry_TerminateCascadesDepartments(t *testing.T) {
	r, dir := newTestRegistry(t)
	s := registerTestSession(t, r, "alpha")
	other := registerTestSession(t, r, "beta")

	d, err := r.RegisterDepartment(&Department{Name: "Engineering", Domain: "engineering", SessionID: s.ID})
	if err != nil {
		t.Fatalf("RegisterDepartment failed: %v", err)
	}
	kept, err := r.RegisterDepartment(&Department{Name: "QA", Domain: "qa", SessionID: other.ID})
	if err != nil {
		t.Fatalf("RegisterDepartment failed: %v", err)
	}

	if err := r.TerminateSession(s.ID); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	if _, err := r.GetDepartment(d.ID); !errors.Is(err, ErrDepartmentNotFound) {
		t.Errorf("cascaded department still present, err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "departments", d.ID+".json")); !os.IsNotExist(err) {
		t.Error("cascaded department file still on disk")
	}
	if _, err := r.GetDepartment(kept.ID); err != nil {
		t.Errorf("unrelated department removed: %v", err)
	}

	// Terminating twice is a no-op
	if err := r.TerminateSession(s.ID); err != nil {
		t.Errorf("second terminate returned %v", err)
	}
}

func TestRegistry_Departments(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := registerTestSession(t, r, "alpha")

	// Session must exist
	_, err := r.RegisterDepartment(&Department{Name: "QA", Domain: "qa", SessionID: "ghost"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ghost session error = %v", err)
	}

	d, err := r.RegisterDepartment(&Department{Name: "QA", Domain: "qa", SessionID: s.ID})
	if err != nil {
		t.Fatalf("RegisterDepartment failed: %v", err)
	}
	if !d.IsActive {
		t.Error("department not active after registration")
	}

	// Duplicate id rejected
	_, err = r.RegisterDepartment(&Department{ID: d.ID, Name: "QA2", Domain: "qa", SessionID: s.ID})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate id error = %v", err)
	}

	task := "task-1"
	perf := Performance{TasksCompleted: 4, TasksFailed: 1, AvgDurationMs: 120, SuccessRate: 0.8}
	updated, err := r.UpdateDepartment(d.ID, DepartmentUpdate{
		CurrentTask:   new(string),
		CompletedTask: &task,
		Performance:   &perf,
	})
	if err != nil {
		t.Fatalf("UpdateDepartment failed: %v", err)
	}
	if len(updated.CompletedTasks) != 1 || updated.CompletedTasks[0] != "task-1" {
		t.Errorf("completed tasks = %v", updated.CompletedTasks)
	}
	if updated.Performance.TasksCompleted != 4 {
		t.Errorf("performance not applied: %+v", updated.Performance)
	}

	bySession := r.GetDepartmentsBySession(s.ID)
	if len(bySession) != 1 {
		t.Errorf("GetDepartmentsBySession returned %d", len(bySession))
	}
}

func TestRegistry_Checkpoints(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := registerTestSession(t, r, "alpha")

	first, err := r.CreateCheckpoint(&CheckpointRecord{
		SessionID: s.ID,
		Name:      "before-deploy",
		CreatedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	second, err := r.CreateCheckpoint(&CheckpointRecord{SessionID: s.ID, Name: "after-deploy"})
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	// Duplicate id rejected
	_, err = r.CreateCheckpoint(&CheckpointRecord{ID: first.ID, SessionID: s.ID, Name: "dup"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate id error = %v", err)
	}

	// Name required; session scope is optional
	if _, err := r.CreateCheckpoint(&CheckpointRecord{SessionID: s.ID}); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("nameless checkpoint error = %v", err)
	}
	systemWide, err := r.CreateCheckpoint(&CheckpointRecord{Name: "system-wide"})
	if err != nil {
		t.Fatalf("CreateCheckpoint without session failed: %v", err)
	}
	if err := r.DeleteCheckpoint(systemWide.ID); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}

	// Newest first
	bySession := r.GetCheckpointsBySession(s.ID)
	if len(bySession) != 2 {
		t.Fatalf("GetCheckpointsBySession returned %d", len(bySession))
	}
	if bySession[0].ID != second.ID {
		t.Errorf("order[0] = %s, want newest %s", bySession[0].ID, second.ID)
	}

	if err := r.DeleteCheckpoint(first.ID); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := r.GetCheckpoint(first.ID); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("deleted checkpoint still present, err = %v", err)
	}
	if err := r.DeleteCheckpoint(first.ID); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("double delete error = %v", err)
	}
}

func TestRegistry_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.RegistryConfig{DataDir: dir, AutosaveInterval: config.Duration(time.Hour)}

	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s, err := r.RegisterSession(&Session{Type: "orchestrator", Name: "alpha"})
	if err != nil {
		t.Fatalf("RegisterSession failed: %v", err)
	}
	if _, err := r.RegisterDepartment(&Department{Name: "QA", Domain: "qa", SessionID: s.ID}); err != nil {
		t.Fatalf("RegisterDepartment failed: %v", err)
	}
	if _, err := r.CreateCheckpoint(&CheckpointRecord{SessionID: s.ID, Name: "cp"}); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Close writes the aggregate snapshot
	if _, err := os.Stat(filepath.Join(dir, "registry-state.json")); err != nil {
		t.Errorf("registry-state.json not written: %v", err)
	}

	r2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer r2.Close()

	loaded, err := r2.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession after reload failed: %v", err)
	}
	if loaded.Name != "alpha" {
		t.Errorf("loaded.Name = %q", loaded.Name)
	}
	if len(r2.GetAllDepartments()) != 1 {
		t.Error("departments not reloaded")
	}
	if len(r2.GetAllCheckpoints()) != 1 {
		t.Error("checkpoints not reloaded")
	}
}

func TestRegistry_SkipsCorruptedFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.RegistryConfig{DataDir: dir, AutosaveInterval: config.Duration(time.Hour)}

	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	registerTestSession(t, r, "alpha")
	r.Close()

	if err := os.WriteFile(filepath.Join(dir, "sessions", "broken.json"), []byte("{oops"), 0600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	r2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("reopen with corrupted file failed: %v", err)
	}
	defer r2.Close()
	if got := len(r2.GetAllSessions()); got != 1 {
		t.Errorf("sessions loaded = %d, want 1", got)
	}
}

func TestRegistry_HealthCheck(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// Empty registry is healthy
	if h := r.HealthCheck(ctx); h.State != HealthHealthy {
		t.Errorf("empty registry state = %q", h.State)
	}

	// One active of one total: load 1.0 > 0.9
	s := registerTestSession(t, r, "alpha")
	active := StatusActive
	if _, err := r.UpdateSession(s.ID, SessionUpdate{Status: &active}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if h := r.HealthCheck(ctx); h.State != HealthDegraded {
		t.Errorf("overloaded state = %q, want degraded", h.State)
	}

	// Nine active of ten: load exactly 0.9 stays healthy
	for i := 0; i < 8; i++ {
		s := registerTestSession(t, r, "extra-"+string(rune('a'+i)))
		if _, err := r.UpdateSession(s.ID, SessionUpdate{Status: &active}); err != nil {
			t.Fatalf("UpdateSession failed: %v", err)
		}
	}
	registerTestSession(t, r, "idle-one")
	h := r.HealthCheck(ctx)
	if h.SessionLoad != 0.9 {
		t.Fatalf("session load = %v, want 0.9", h.SessionLoad)
	}
	if h.State != HealthHealthy {
		t.Errorf("boundary load state = %q, want healthy", h.State)
	}
}

func TestRegistry_HealthCheckQueueDepth(t *testing.T) {
	dir := t.TempDir()
	depth := 0
	r, err := New(config.RegistryConfig{
		DataDir:          dir,
		AutosaveInterval: config.Duration(time.Hour),
	}, nil, WithQueueDepthFunc(func() int { return depth }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	depth = 1000
	if h := r.HealthCheck(ctx); h.State != HealthHealthy {
		t.Errorf("depth 1000 state = %q, want healthy", h.State)
	}
	depth = 1001
	if h := r.HealthCheck(ctx); h.State != HealthDegraded {
		t.Errorf("depth 1001 state = %q, want degraded", h.State)
	}
}

func TestRegistry_MostRecentlyActive(t *testing.T) {
	r, _ := newTestRegistry(t)

	if got := r.MostRecentlyActive(); got != nil {
		t.Errorf("empty registry returned %v", got)
	}

	older := registerTestSession(t, r, "older")
	time.Sleep(5 * time.Millisecond)
	newer := registerTestSession(t, r, "newer")

	if got := r.MostRecentlyActive(); got == nil || got.ID != newer.ID {
		t.Errorf("MostRecentlyActive = %v, want %s", got, newer.ID)
	}

	// Touching the older session makes it the most recent
	time.Sleep(5 * time.Millisecond)
	idle := StatusIdle
	if _, err := r.UpdateSession(older.ID, SessionUpdate{Status: &idle}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if got := r.MostRecentlyActive(); got == nil || got.ID != older.ID {
		t.Errorf("MostRecentlyActive after touch = %v, want %s", got, older.ID)
	}

	// Terminated sessions are ignored
	if err := r.TerminateSession(older.ID); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if got := r.MostRecentlyActive(); got == nil || got.ID != newer.ID {
		t.Errorf("MostRecentlyActive after terminate = %v, want %s", got, newer.ID)
	}
}

func TestRegistry_Stats(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := registerTestSession(t, r, "alpha")
	registerTestSession(t, r, "beta")
	active := StatusActive
	if _, err := r.UpdateSession(s.ID, SessionUpdate{Status: &active}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if _, err := r.RegisterDepartment(&Department{Name: "QA", Domain: "qa", SessionID: s.ID}); err != nil {
		t.Fatalf("RegisterDepartment failed: %v", err)
	}

	st := r.Stats()
	if st.TotalSessions != 2 || st.ActiveSessions != 1 {
		t.Errorf("sessions = %d/%d, want 1/2 active/total", st.ActiveSessions, st.TotalSessions)
	}
	if st.TotalDepartments != 1 || st.ActiveDepartments != 1 {
		t.Errorf("departments = %d/%d", st.ActiveDepartments, st.TotalDepartments)
	}
}

func TestRegistry_ClosedRejectsOperations(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := r.RegisterSession(&Session{Type: "x", Name: "y"}); !errors.Is(err, ErrClosed) {
		t.Errorf("register after close error = %v", err)
	}
	// Close is idempotent
	if err := r.Close(); err != nil {
		t.Errorf("second close error = %v", err)
	}
}

func TestSuccessRateOf(t *testing.T) {
	if got := SuccessRateOf(Performance{}); got != 1.0 {
		t.Errorf("zero-task rate = %v, want 1.0", got)
	}
	if got := SuccessRateOf(Performance{TasksCompleted: 3, TasksFailed: 1}); got != 0.75 {
		t.Errorf("rate = %v, want 0.75", got)
	}
}
