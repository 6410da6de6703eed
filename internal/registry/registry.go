// Package registry is the durable system of record for sessions,
// departments, and checkpoint records.
//
// All mutation flows through Registry methods under a single RWMutex, and
// every accepted mutation is persisted before the method returns. Entities
// live as one JSON file each under sessions/, departments/, and
// checkpoints/; an aggregate registry-state.json snapshot is refreshed by
// an autosave goroutine and on Close.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/logging"
)

const (
	sessionsDir    = "sessions"
	departmentsDir = "departments"
	checkpointsDir = "checkpoints"
	stateFileName  = "registry-state.json"

	// Degradation thresholds for HealthCheck.
	sessionLoadThreshold = 0.9
	queueDepthThreshold  = 1000
)

// Option customizes registry construction.
type Option func(*Registry)

// WithQueueDepthFunc injects a queue depth probe consulted by HealthCheck.
// The daemon wires this to the message bus pending count.
func WithQueueDepthFunc(fn func() int) Option {
	return func(r *Registry) { r.queueDepth = fn }
}

// Registry manages session, department, and checkpoint state.
type Registry struct {
	basePath string
	logger   *logging.Logger

	queueDepth func() int

	mu          sync.RWMutex
	sessions    map[string]*Session
	departments map[string]*Department
	checkpoints map[string]*CheckpointRecord
	lastSave    time.Time
	closed      bool

	autosaveInterval time.Duration
	stop             chan struct{}
	wg               sync.WaitGroup
}

// stateSnapshot is the aggregate registry-state.json payload.
type stateSnapshot struct {
	Version        int       `json:"version"`
	SavedAt        time.Time `json:"saved_at"`
	Sessions       int       `json:"sessions"`
	ActiveSessions int       `json:"active_sessions"`
	Departments    int       `json:"departments"`
	Checkpoints    int       `json:"checkpoints"`
}

// New creates a registry rooted at cfg.DataDir, loads any existing entity
// files, and starts the autosave loop. Close must be called to stop it.
func New(cfg config.RegistryConfig, logger *logging.Logger, opts ...Option) (*Registry, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("registry data directory required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	r := &Registry{
		basePath:         cfg.DataDir,
		logger:           logger,
		sessions:         make(map[string]*Session),
		departments:      make(map[string]*Department),
		checkpoints:      make(map[string]*CheckpointRecord),
		autosaveInterval: cfg.AutosaveInterval.Duration(),
		stop:             make(chan struct{}),
	}
	if r.autosaveInterval <= 0 {
		r.autosaveInterval = 30 * time.Second
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, sub := range []string{sessionsDir, departmentsDir, checkpointsDir} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	if err := r.load(); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	r.wg.Add(1)
	go r.autosave()

	logger.Info(context.Background(), "registry loaded",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("sessions", len(r.sessions)),
		zap.Int("departments", len(r.departments)),
		zap.Int("checkpoints", len(r.checkpoints)))
	return r, nil
}

// RegisterSession validates and records a new session. The caller provides
// Type and Name (and optionally ID, Workspace, Branch, Metadata); the
// registry assigns the id, timestamps, and the initializing status.
func (r *Registry) RegisterSession(s *Session) (*Session, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil session", ErrInvalidEntity)
	}
	if s.Type == "" {
		return nil, fmt.Errorf("%w: session type required", ErrInvalidEntity)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("%w: session name required", ErrInvalidEntity)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := ValidateID(s.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.sessions[s.ID]; ok {
		return nil, fmt.Errorf("%w: session %s", ErrDuplicateID, s.ID)
	}
	// Two live sessions may not share a name within a type; terminated
	// sessions free the name.
	for _, existing := range r.sessions {
		if existing.Name == s.Name && existing.Type == s.Type && !existing.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateSession, s.Type, s.Name)
		}
	}

	now := time.Now().UTC()
	s.Status = StatusInitializing
	s.CreatedAt = now
	s.LastActivity = now

	if err := r.saveEntity(sessionsDir, s.ID, s); err != nil {
		return nil, err
	}
	r.sessions[s.ID] = s.clone()

	r.logger.Info(context.Background(), "session registered",
		zap.String("session_id", s.ID),
		zap.String("type", s.Type),
		zap.String("name", s.Name))
	return s.clone(), nil
}

// UpdateSession applies a partial update and stamps LastActivity.
// Terminated sessions are immutable.
func (r *Registry) UpdateSession(id string, upd SessionUpdate) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminated, id)
	}

	if upd.Name != nil {
		s.Name = *upd.Name
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidEntity, *upd.Status)
		}
		s.Status = *upd.Status
	}
	if upd.Workspace != nil {
		s.Workspace = *upd.Workspace
	}
	if upd.Branch != nil {
		s.Branch = *upd.Branch
	}
	if len(upd.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			s.Metadata[k] = v
		}
	}
	s.LastActivity = time.Now().UTC()

	if err := r.saveEntity(sessionsDir, id, s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// TerminateSession marks a session terminated and removes its departments.
func (r *Registry) TerminateSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.Status.Terminal() {
		return nil
	}

	s.Status = StatusTerminated
	s.LastActivity = time.Now().UTC()
	if err := r.saveEntity(sessionsDir, id, s); err != nil {
		return err
	}

	// Departments exist only to serve their session.
	for depID, dep := range r.departments {
		if dep.SessionID != id {
			continue
		}
		if err := os.Remove(r.entityPath(departmentsDir, depID)); err != nil && !os.IsNotExist(err) {
			r.logger.Warn(context.Background(), "failed to remove department file",
				zap.String("department_id", depID), zap.Error(err))
		}
		delete(r.departments, depID)
	}

	r.logger.Info(context.Background(), "session terminated", zap.String("session_id", id))
	return nil
}

// RegisterDepartment records a department for an existing session.
func (r *Registry) RegisterDepartment(d *Department) (*Department, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil department", ErrInvalidEntity)
	}
	if d.Name == "" || d.Domain == "" {
		return nil, fmt.Errorf("%w: department name and domain required", ErrInvalidEntity)
	}
	if d.SessionID == "" {
		return nil, fmt.Errorf("%w: department session id required", ErrInvalidEntity)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := ValidateID(d.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.sessions[d.SessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, d.SessionID)
	}
	if _, ok := r.departments[d.ID]; ok {
		return nil, fmt.Errorf("%w: department %s", ErrDuplicateID, d.ID)
	}

	d.IsActive = true
	d.RegisteredAt = time.Now().UTC()

	if err := r.saveEntity(departmentsDir, d.ID, d); err != nil {
		return nil, err
	}
	r.departments[d.ID] = d.clone()

	r.logger.Info(context.Background(), "department registered",
		zap.String("department_id", d.ID),
		zap.String("domain", d.Domain),
		zap.String("session_id", d.SessionID))
	return d.clone(), nil
}

// UpdateDepartment applies a partial update.
func (r *Registry) UpdateDepartment(id string, upd DepartmentUpdate) (*Department, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	d, ok := r.departments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDepartmentNotFound, id)
	}

	if upd.IsActive != nil {
		d.IsActive = *upd.IsActive
	}
	if upd.CurrentTask != nil {
		d.CurrentTask = *upd.CurrentTask
	}
	if upd.CompletedTask != nil {
		d.CompletedTasks = append(d.CompletedTasks, *upd.CompletedTask)
	}
	if upd.Performance != nil {
		d.Performance = *upd.Performance
	}

	if err := r.saveEntity(departmentsDir, id, d); err != nil {
		return nil, err
	}
	return d.clone(), nil
}

// CreateCheckpoint persists a checkpoint record. The session is not
// required to exist: records outlive terminated sessions so they can seed
// restores.
func (r *Registry) CreateCheckpoint(rec *CheckpointRecord) (*CheckpointRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil checkpoint", ErrInvalidEntity)
	}
	if rec.Name == "" {
		return nil, fmt.Errorf("%w: checkpoint name required", ErrInvalidEntity)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := ValidateID(rec.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.checkpoints[rec.ID]; ok {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrDuplicateID, rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := r.saveEntity(checkpointsDir, rec.ID, rec); err != nil {
		return nil, err
	}
	r.checkpoints[rec.ID] = rec.clone()
	return rec.clone(), nil
}

// DeleteCheckpoint removes a checkpoint record and its file.
func (r *Registry) DeleteCheckpoint(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.checkpoints[id]; !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	if err := os.Remove(r.entityPath(checkpointsDir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	delete(r.checkpoints, id)
	return nil
}

// GetSession returns a copy of the session.
func (r *Registry) GetSession(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.clone(), nil
}

// GetAllSessions returns copies of every session, oldest first.
func (r *Registry) GetAllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	sortSessions(out)
	return out
}

// GetSessionsByStatus returns copies of sessions in the given status,
// oldest first.
func (r *Registry) GetSessionsByStatus(status SessionStatus) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Status == status {
			out = append(out, s.clone())
		}
	}
	sortSessions(out)
	return out
}

// MostRecentlyActive returns the non-terminated session with the newest
// LastActivity, or nil when none exists.
func (r *Registry) MostRecentlyActive() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Session
	for _, s := range r.sessions {
		if s.Status.Terminal() {
			continue
		}
		if best == nil || s.LastActivity.After(best.LastActivity) {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	return best.clone()
}

// GetDepartment returns a copy of the department.
func (r *Registry) GetDepartment(id string) (*Department, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.departments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDepartmentNotFound, id)
	}
	return d.clone(), nil
}

// GetDepartmentsBySession returns copies of the session's departments
// sorted by registration time.
func (r *Registry) GetDepartmentsBySession(sessionID string) []*Department {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Department
	for _, d := range r.departments {
		if d.SessionID == sessionID {
			out = append(out, d.clone())
		}
	}
	sortDepartments(out)
	return out
}

// GetAllDepartments returns copies of every department.
func (r *Registry) GetAllDepartments() []*Department {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Department, 0, len(r.departments))
	for _, d := range r.departments {
		out = append(out, d.clone())
	}
	sortDepartments(out)
	return out
}

// GetCheckpoint returns a copy of the checkpoint record.
func (r *Registry) GetCheckpoint(id string) (*CheckpointRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	return c.clone(), nil
}

// GetAllCheckpoints returns copies of every record, newest first.
func (r *Registry) GetAllCheckpoints() []*CheckpointRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CheckpointRecord, 0, len(r.checkpoints))
	for _, c := range r.checkpoints {
		out = append(out, c.clone())
	}
	sortCheckpoints(out)
	return out
}

// GetCheckpointsBySession returns the session's records, newest first.
func (r *Registry) GetCheckpointsBySession(sessionID string) []*CheckpointRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*CheckpointRecord
	for _, c := range r.checkpoints {
		if c.SessionID == sessionID {
			out = append(out, c.clone())
		}
	}
	sortCheckpoints(out)
	return out
}

// Stats returns a snapshot of registry contents.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		TotalSessions:    len(r.sessions),
		TotalDepartments: len(r.departments),
		TotalCheckpoints: len(r.checkpoints),
		LastSave:         r.lastSave,
	}
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			st.ActiveSessions++
		}
	}
	for _, d := range r.departments {
		if d.IsActive {
			st.ActiveDepartments++
		}
	}
	return st
}

// HealthCheck reports healthy or degraded. Degraded when active sessions
// exceed 90% of registered sessions or the injected queue depth exceeds
// 1000 pending messages.
func (r *Registry) HealthCheck(ctx context.Context) HealthStatus {
	st := r.Stats()
	h := HealthStatus{
		State:          HealthHealthy,
		ActiveSessions: st.ActiveSessions,
		TotalSessions:  st.TotalSessions,
	}
	if st.TotalSessions > 0 {
		h.SessionLoad = float64(st.ActiveSessions) / float64(st.TotalSessions)
	}
	if h.SessionLoad > sessionLoadThreshold {
		h.State = HealthDegraded
		h.Reasons = append(h.Reasons,
			fmt.Sprintf("session load %.2f exceeds %.2f", h.SessionLoad, sessionLoadThreshold))
	}
	if r.queueDepth != nil {
		h.QueueDepth = r.queueDepth()
		if h.QueueDepth > queueDepthThreshold {
			h.State = HealthDegraded
			h.Reasons = append(h.Reasons,
				fmt.Sprintf("queue depth %d exceeds %d", h.QueueDepth, queueDepthThreshold))
		}
	}
	if h.State == HealthDegraded {
		r.logger.Warn(ctx, "registry degraded", zap.Strings("reasons", h.Reasons))
	}
	return h
}

// Close performs a final state save and stops the autosave loop.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	err := r.saveStateLocked()
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()
	return err
}

func (r *Registry) autosave() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.autosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if !r.closed {
				if err := r.saveStateLocked(); err != nil {
					r.logger.Warn(context.Background(), "registry autosave failed", zap.Error(err))
				}
			}
			r.mu.Unlock()
		}
	}
}

// saveStateLocked writes the aggregate snapshot. Caller holds mu.
func (r *Registry) saveStateLocked() error {
	snap := stateSnapshot{
		Version: 1,
		SavedAt: time.Now().UTC(),
	}
	snap.Sessions = len(r.sessions)
	snap.Departments = len(r.departments)
	snap.Checkpoints = len(r.checkpoints)
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			snap.ActiveSessions++
		}
	}
	if err := writeJSONAtomic(filepath.Join(r.basePath, stateFileName), snap); err != nil {
		return err
	}
	r.lastSave = snap.SavedAt
	return nil
}

func (r *Registry) entityPath(dir, id string) string {
	return filepath.Join(r.basePath, dir, id+".json")
}

func (r *Registry) saveEntity(dir, id string, v any) error {
	return writeJSONAtomic(r.entityPath(dir, id), v)
}

// load rebuilds the in-memory index from entity files. Unreadable files
// are skipped with a warning; the daemon must come up with whatever state
// survived.
func (r *Registry) load() error {
	if err := loadDir(filepath.Join(r.basePath, sessionsDir), r.logger, func(s *Session) {
		r.sessions[s.ID] = s
	}); err != nil {
		return err
	}
	if err := loadDir(filepath.Join(r.basePath, departmentsDir), r.logger, func(d *Department) {
		r.departments[d.ID] = d
	}); err != nil {
		return err
	}
	return loadDir(filepath.Join(r.basePath, checkpointsDir), r.logger, func(c *CheckpointRecord) {
		r.checkpoints[c.ID] = c
	})
}

func loadDir[T any](dir string, logger *logging.Logger, accept func(*T)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn(context.Background(), "skipping unreadable registry file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			logger.Warn(context.Background(), "skipping corrupted registry file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		accept(&v)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry entity: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry entity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize registry entity: %w", err)
	}
	return nil
}

func sortSessions(s []*Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}

func sortDepartments(d []*Department) {
	sort.Slice(d, func(i, j int) bool {
		if d[i].RegisteredAt.Equal(d[j].RegisteredAt) {
			return d[i].ID < d[j].ID
		}
		return d[i].RegisteredAt.Before(d[j].RegisteredAt)
	})
}

func sortCheckpoints(c []*CheckpointRecord) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].CreatedAt.Equal(c[j].CreatedAt) {
			return c[i].ID > c[j].ID
		}
		return c[i].CreatedAt.After(c[j].CreatedAt)
	})
}

// SuccessRateOf recomputes a department success rate from counters,
// guarding the zero-task case.
func SuccessRateOf(p Performance) float64 {
	total := p.TasksCompleted + p.TasksFailed
	if total == 0 {
		return 1.0
	}
	rate := float64(p.TasksCompleted) / float64(total)
	return math.Round(rate*1000) / 1000
}
