// Package checkpoint captures and restores point-in-time system state:
// every session with its departments, the repository shape, coarse runtime
// metrics, and a context summary. Snapshots are persisted through the
// registry and verified with a blake3 checksum.
package checkpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/contextstore"
	"github.com/fyrsmithlabs/directord/internal/events"
	"github.com/fyrsmithlabs/directord/internal/gitops"
	"github.com/fyrsmithlabs/directord/internal/logging"
	"github.com/fyrsmithlabs/directord/internal/registry"
)

const instrumentationName = "github.com/fyrsmithlabs/directord/internal/checkpoint"

const senderName = "checkpoint-manager"

// Deps are the manager's collaborators. Registry is required; the rest are
// optional and their phases degrade to warnings when absent.
type Deps struct {
	Registry *registry.Registry
	Git      *gitops.Manager
	Bus      bus.Bus
	Context  *contextstore.Manager
	Events   *events.Relay
	Logger   *logging.Logger
}

// Manager creates, restores, verifies, and prunes checkpoints.
type Manager struct {
	cfg    config.CheckpointConfig
	logger *logging.Logger
	tracer trace.Tracer
	meter  metric.Meter

	registry *registry.Registry
	git      *gitops.Manager
	bus      bus.Bus
	context  *contextstore.Manager
	events   *events.Relay

	createCounter  metric.Int64Counter
	restoreCounter metric.Int64Counter

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a checkpoint manager and starts the auto-checkpoint
// and prune tickers when their intervals are non-zero.
func NewManager(cfg config.CheckpointConfig, deps Deps) (*Manager, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = config.Duration(7 * 24 * time.Hour)
	}
	if cfg.MinDeleteAge <= 0 {
		cfg.MinDeleteAge = config.Duration(time.Hour)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		registry: deps.Registry,
		git:      deps.Git,
		bus:      deps.Bus,
		context:  deps.Context,
		events:   deps.Events,
		stop:     make(chan struct{}),
	}
	m.initMetrics()

	if cfg.AutoInterval > 0 {
		m.wg.Add(1)
		go m.autoCheckpoint(time.Duration(cfg.AutoInterval))
	}
	if cfg.PruneInterval > 0 {
		m.wg.Add(1)
		go m.autoPrune(time.Duration(cfg.PruneInterval))
	}
	return m, nil
}

func (m *Manager) initMetrics() {
	var err error
	m.createCounter, err = m.meter.Int64Counter(
		"directord.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create checkpoint counter", zap.Error(err))
	}
	m.restoreCounter, err = m.meter.Int64Counter(
		"directord.checkpoint.restores_total",
		metric.WithDescription("Total number of checkpoint restores"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create restore counter", zap.Error(err))
	}
}

// Create captures current system state as a new checkpoint.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.create")
	defer span.End()

	if err := m.failIfClosed(); err != nil {
		return nil, err
	}

	snapshot, err := m.buildSnapshot(ctx, in.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	now := time.Now().UTC()
	cp := &Checkpoint{
		ID:                 uuid.New().String(),
		Name:               in.Name,
		SessionID:          in.SessionID,
		CreatedAt:          now,
		Snapshot:           snapshot,
		Checksum:           checksum(payload),
		Size:               int64(len(payload)),
		RetentionExpiresAt: now.Add(time.Duration(m.cfg.RetentionPeriod)),
		Tags:               append([]string(nil), in.Tags...),
	}
	if cp.Name == "" {
		cp.Name = "checkpoint-" + now.Format("20060102-150405")
	}

	_, err = m.registry.CreateCheckpoint(&registry.CheckpointRecord{
		ID:                 cp.ID,
		SessionID:          cp.SessionID,
		Name:               cp.Name,
		Tags:               cp.Tags,
		GitBranch:          snapshot.Git.Branch,
		GitCommit:          snapshot.Git.Commit,
		State:              payload,
		Checksum:           cp.Checksum,
		SizeBytes:          cp.Size,
		CreatedAt:          cp.CreatedAt,
		RetentionExpiresAt: cp.RetentionExpiresAt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	// The tag is a convenience pointer at the captured commit. Losing it
	// does not lose the checkpoint.
	if m.git != nil && snapshot.Git.Commit != "" {
		if err := m.git.CreateTag(ctx, "checkpoint/"+cp.ID); err != nil {
			m.logger.Warn(ctx, "failed to tag checkpoint commit",
				zap.String("checkpoint_id", cp.ID),
				zap.Error(err),
			)
		}
	}

	m.events.Emit(ctx, "checkpoint.created", map[string]any{
		"id":        cp.ID,
		"name":      cp.Name,
		"sessionId": cp.SessionID,
		"size":      cp.Size,
		"tags":      cp.Tags,
	})
	m.notifySession(ctx, cp.SessionID, "checkpoint.created", cp.ID)

	if m.createCounter != nil {
		m.createCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("auto", cp.HasTag("auto")),
		))
	}
	m.logger.Info(ctx, "created checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("name", cp.Name),
		zap.String("session_id", cp.SessionID),
		zap.Int64("size_bytes", cp.Size),
	)

	span.SetAttributes(
		attribute.String("checkpoint_id", cp.ID),
		attribute.Int("sessions", len(snapshot.Sessions)),
	)
	return cp, nil
}

// buildSnapshot assembles system state. sessionID narrows the capture to a
// single session; empty captures all of them.
func (m *Manager) buildSnapshot(ctx context.Context, sessionID string) (SystemSnapshot, error) {
	var snap SystemSnapshot

	var sessions []*registry.Session
	if sessionID != "" {
		s, err := m.registry.GetSession(sessionID)
		if err != nil {
			return snap, fmt.Errorf("failed to snapshot session %s: %w", sessionID, err)
		}
		sessions = []*registry.Session{s}
	} else {
		sessions = m.registry.GetAllSessions()
	}

	snap.Sessions = make([]SessionState, 0, len(sessions))
	for _, s := range sessions {
		state := SessionState{
			ID:           s.ID,
			Type:         s.Type,
			Name:         s.Name,
			Workspace:    s.Workspace,
			Branch:       s.Branch,
			Status:       string(s.Status),
			Metadata:     s.Metadata,
			LastActivity: s.LastActivity,
		}
		for _, d := range m.registry.GetDepartmentsBySession(s.ID) {
			state.Departments = append(state.Departments, DepartmentState{
				ID:          d.ID,
				Name:        d.Name,
				Domain:      d.Domain,
				IsActive:    d.IsActive,
				CurrentTask: d.CurrentTask,
			})
		}
		snap.Sessions = append(snap.Sessions, state)
	}

	if m.git != nil {
		gs, err := m.git.Capture(ctx)
		if err == nil {
			snap.Git.Branch = gs.Branch
			snap.Git.Commit = gs.Commit
			if branches, err := m.git.ListBranches(ctx); err == nil {
				snap.Git.Branches = branches
			}
			if tags, err := m.git.ListTags(ctx); err == nil {
				snap.Git.Tags = tags
			}
		} else {
			m.logger.Warn(ctx, "failed to capture git state for snapshot", zap.Error(err))
		}
	}

	stats := m.registry.Stats()
	snap.Metrics.ActiveSessions = stats.ActiveSessions
	if m.bus != nil {
		snap.Metrics.PendingMessages = m.bus.Stats().Pending
	}
	snap.Metrics.Goroutines = runtime.NumGoroutine()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.Metrics.HeapBytes = mem.HeapAlloc

	if m.context != nil {
		summary := m.context.Summary()
		snap.Context.ItemCount = summary.Items
		snap.Context.Windows = summary.Windows
		for _, e := range summary.TopEntities {
			snap.Context.TopEntities = append(snap.Context.TopEntities, e.Label)
		}
	}

	return snap, nil
}

// Get returns a checkpoint by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	rec, err := m.registry.GetCheckpoint(id)
	if err != nil {
		if errors.Is(err, registry.ErrCheckpointNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return nil, err
	}
	return fromRecord(rec)
}

// List returns checkpoints newest first, optionally scoped to a session.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	var recs []*registry.CheckpointRecord
	if sessionID != "" {
		recs = m.registry.GetCheckpointsBySession(sessionID)
	} else {
		recs = m.registry.GetAllCheckpoints()
	}

	out := make([]*Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := fromRecord(rec)
		if err != nil {
			m.logger.Warn(ctx, "skipping unreadable checkpoint record",
				zap.String("checkpoint_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Verify recomputes the snapshot checksum and compares it to the recorded
// one.
func (m *Manager) Verify(ctx context.Context, id string) error {
	_, span := m.tracer.Start(ctx, "checkpoint.verify",
		trace.WithAttributes(attribute.String("checkpoint_id", id)))
	defer span.End()

	rec, err := m.registry.GetCheckpoint(id)
	if err != nil {
		if errors.Is(err, registry.ErrCheckpointNotFound) {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return err
	}
	if got := checksum(rec.State); got != rec.Checksum {
		span.SetStatus(codes.Error, "checksum mismatch")
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, id)
	}
	return nil
}

// Delete removes a checkpoint. Recent checkpoints are protected: deleting
// one younger than the minimum delete age requires force.
func (m *Manager) Delete(ctx context.Context, id string, force bool) error {
	ctx, span := m.tracer.Start(ctx, "checkpoint.delete",
		trace.WithAttributes(attribute.String("checkpoint_id", id)))
	defer span.End()

	rec, err := m.registry.GetCheckpoint(id)
	if err != nil {
		if errors.Is(err, registry.ErrCheckpointNotFound) {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return err
	}

	if age := time.Since(rec.CreatedAt); age < time.Duration(m.cfg.MinDeleteAge) && !force {
		span.SetStatus(codes.Error, "too recent")
		return fmt.Errorf("%w: %s is %s old, minimum is %s",
			ErrCheckpointTooRecent, id, age.Round(time.Second), time.Duration(m.cfg.MinDeleteAge))
	}

	if err := m.registry.DeleteCheckpoint(id); err != nil {
		span.RecordError(err)
		return err
	}
	m.events.Emit(ctx, "checkpoint.deleted", map[string]any{"id": id})
	m.logger.Info(ctx, "deleted checkpoint", zap.String("checkpoint_id", id), zap.Bool("force", force))
	return nil
}

// Prune deletes every checkpoint past its retention expiry and returns how
// many were removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.prune")
	defer span.End()

	now := time.Now().UTC()
	var pruned int
	for _, rec := range m.registry.GetAllCheckpoints() {
		if rec.RetentionExpiresAt.IsZero() || rec.RetentionExpiresAt.After(now) {
			continue
		}
		if err := m.registry.DeleteCheckpoint(rec.ID); err != nil {
			m.logger.Warn(ctx, "failed to prune checkpoint",
				zap.String("checkpoint_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.Info(ctx, "pruned expired checkpoints", zap.Int("count", pruned))
	}
	span.SetAttributes(attribute.Int("pruned", pruned))
	return pruned, nil
}

// Close stops background tickers. In-flight operations finish normally.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *Manager) failIfClosed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// notifySession publishes a bus event to the session that owns the
// checkpoint. Delivery problems are logged, never returned.
func (m *Manager) notifySession(ctx context.Context, sessionID, event, checkpointID string) {
	if m.bus == nil || sessionID == "" {
		return
	}
	msg := bus.NewMessage(bus.TypeEvent, senderName, bus.Body{
		Event: &bus.EventBody{
			Name:    event,
			Payload: map[string]any{"checkpointId": checkpointID},
		},
	})
	msg.Receiver = sessionID
	if err := m.bus.Publish(ctx, msg); err != nil {
		m.logger.Warn(ctx, "failed to notify session of checkpoint event",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (m *Manager) autoCheckpoint(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.runAutoCheckpoint()
		}
	}
}

// runAutoCheckpoint snapshots the most recently active session, but only
// while at least one session is actually active.
func (m *Manager) runAutoCheckpoint() {
	ctx := context.Background()
	if m.registry.Stats().ActiveSessions == 0 {
		return
	}
	target := m.registry.MostRecentlyActive()
	if target == nil {
		return
	}
	_, err := m.Create(ctx, CreateInput{
		Name:      "auto-" + time.Now().UTC().Format("20060102-150405"),
		SessionID: target.ID,
		Tags:      []string{"auto"},
	})
	if err != nil {
		m.logger.Warn(ctx, "auto-checkpoint failed",
			zap.String("session_id", target.ID),
			zap.Error(err),
		)
	}
}

func (m *Manager) autoPrune(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if _, err := m.Prune(context.Background()); err != nil {
				m.logger.Warn(context.Background(), "prune pass failed", zap.Error(err))
			}
		}
	}
}

func checksum(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func fromRecord(rec *registry.CheckpointRecord) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:                 rec.ID,
		Name:               rec.Name,
		SessionID:          rec.SessionID,
		CreatedAt:          rec.CreatedAt,
		Checksum:           rec.Checksum,
		Size:               rec.SizeBytes,
		RetentionExpiresAt: rec.RetentionExpiresAt,
		Tags:               append([]string(nil), rec.Tags...),
	}
	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, &cp.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot for %s: %w", rec.ID, err)
		}
	}
	return cp, nil
}
