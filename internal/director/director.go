// Package director runs workflows against registered sessions. Each
// workflow is an ordered list of steps dispatched to departments over the
// message bus, guarded by quality gates, with checkpoint and rollback steps
// for recovery. Steps inside a workflow run strictly sequentially; distinct
// workflows run concurrently up to a configured cap.
package director

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/checkpoint"
	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/events"
	"github.com/fyrsmithlabs/directord/internal/logging"
	"github.com/fyrsmithlabs/directord/internal/registry"
)

const instrumentationName = "github.com/fyrsmithlabs/directord/internal/director"

// busIdentity is the address the director answers to on the message bus.
// Departments send their step reports here.
const busIdentity = "director"

// stepSignal is a department's verdict on a dispatched step.
type stepSignal struct {
	state  string
	detail string
}

// stepHandler executes one step of a running workflow.
type stepHandler func(ctx context.Context, wf *Workflow, step Step, idx int) error

// Deps carries the director's collaborators. Bus and Registry are
// required; Checkpoint enables checkpoint and rollback steps; Events and
// Logger are optional.
type Deps struct {
	Bus        bus.Bus
	Registry   *registry.Registry
	Checkpoint *checkpoint.Manager
	Events     *events.Relay
	Logger     *logging.Logger
}

// Director is the workflow engine.
type Director struct {
	cfg    config.DirectorConfig
	logger *logging.Logger
	tracer trace.Tracer

	bus        bus.Bus
	registry   *registry.Registry
	checkpoint *checkpoint.Manager
	events     *events.Relay

	handlers    map[StepType]stepHandler
	unsubscribe func()
	stop        chan struct{}

	mu        sync.RWMutex
	workflows map[string]*Workflow
	waiters   map[string]chan stepSignal
	closed    bool
	wg        sync.WaitGroup
}

// New wires a Director to the bus and registry and subscribes to step
// status reports addressed to it.
func New(cfg config.DirectorConfig, deps Deps) (*Director, error) {
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 10
	}
	if cfg.DefaultStepTimeout.Duration() <= 0 {
		cfg.DefaultStepTimeout = config.Duration(30 * time.Second)
	}
	if cfg.Gates == (config.GateThresholds{}) {
		cfg.Gates = config.GateThresholds{
			CodeQuality:  80,
			TestCoverage: 90,
			Performance:  85,
			Security:     95,
		}
	}

	d := &Director{
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		bus:        deps.Bus,
		registry:   deps.Registry,
		checkpoint: deps.Checkpoint,
		events:     deps.Events,
		stop:       make(chan struct{}),
		workflows:  make(map[string]*Workflow),
		waiters:    make(map[string]chan stepSignal),
	}
	d.handlers = map[StepType]stepHandler{
		StepExecute:    d.stepExecute,
		StepVerify:     d.stepVerify,
		StepCheckpoint: d.stepCheckpoint,
		StepRollback:   d.stepRollback,
	}

	unsub, err := deps.Bus.Subscribe(bus.Filter{
		Type:     bus.TypeStatusUpdate,
		Receiver: busIdentity,
	}, d.handleStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to status updates: %w", err)
	}
	d.unsubscribe = unsub

	logger.Info(context.Background(), "director started",
		zap.Int("max_concurrent_sessions", cfg.MaxConcurrentSessions),
		zap.Int("max_step_retries", cfg.MaxStepRetries),
		zap.Bool("rollback_enabled", cfg.RollbackEnabled),
	)
	return d, nil
}

// CreateWorkflow validates and records a workflow for the session, then
// starts it immediately. Capacity is counted over pending and running
// workflows.
func (d *Director) CreateWorkflow(ctx context.Context, sessionID, name string, steps []Step) (*Workflow, error) {
	ctx, span := d.tracer.Start(ctx, "director.create_workflow")
	defer span.End()

	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidWorkflow)
	}
	if _, err := d.registry.GetSession(sessionID); err != nil {
		return nil, fmt.Errorf("failed to resolve session %s: %w", sessionID, err)
	}
	normalized := normalizeSteps(steps)
	if err := validateSteps(normalized); err != nil {
		return nil, err
	}

	wf := &Workflow{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		Steps:     normalized,
		Status:    WorkflowPending,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.activeLocked() >= d.cfg.MaxConcurrentSessions {
		d.mu.Unlock()
		return nil, orchErr(CodeMaxSessionsExceeded,
			"active workflows at capacity (%d)", d.cfg.MaxConcurrentSessions)
	}
	d.workflows[wf.ID] = wf
	d.mu.Unlock()

	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("session.id", sessionID),
		attribute.Int("workflow.steps", len(wf.Steps)),
	)
	d.events.Emit(ctx, "workflow.created", map[string]any{
		"id":      wf.ID,
		"session": sessionID,
		"name":    name,
		"steps":   len(wf.Steps),
	})
	d.logger.Info(ctx, "workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("session_id", sessionID),
		zap.String("name", name),
		zap.Int("steps", len(wf.Steps)),
	)

	if err := d.StartWorkflow(ctx, wf.ID); err != nil {
		return nil, err
	}
	return d.GetWorkflow(ctx, wf.ID)
}

// StartWorkflow transitions a pending workflow to running and launches its
// runner goroutine.
func (d *Director) StartWorkflow(ctx context.Context, id string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	wf, ok := d.workflows[id]
	if !ok {
		d.mu.Unlock()
		return orchErr(CodeWorkflowNotFound, "workflow %s not found", id)
	}
	if wf.Status != WorkflowPending {
		d.mu.Unlock()
		return orchErr(CodeInvalidState, "workflow %s is %s, want pending", id, wf.Status)
	}
	wf.Status = WorkflowRunning
	wf.StartedAt = time.Now().UTC()
	sessionID := wf.SessionID
	d.wg.Add(1)
	d.mu.Unlock()

	d.events.Emit(ctx, "workflow.started", map[string]any{
		"id":      id,
		"session": sessionID,
	})
	go d.runWorkflow(wf)
	return nil
}

// GetWorkflow returns a copy of the workflow.
func (d *Director) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	wf, ok := d.workflows[id]
	if !ok {
		return nil, orchErr(CodeWorkflowNotFound, "workflow %s not found", id)
	}
	return wf.clone(), nil
}

// ListWorkflows returns copies of recorded workflows, newest first,
// optionally scoped to a session.
func (d *Director) ListWorkflows(ctx context.Context, sessionID string) []*Workflow {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Workflow, 0, len(d.workflows))
	for _, wf := range d.workflows {
		if sessionID != "" && wf.SessionID != sessionID {
			continue
		}
		out = append(out, wf.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of pending and running workflows.
func (d *Director) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeLocked()
}

func (d *Director) activeLocked() int {
	n := 0
	for _, wf := range d.workflows {
		if wf.Status == WorkflowPending || wf.Status == WorkflowRunning {
			n++
		}
	}
	return n
}

// Shutdown force-fails active workflows and waits for their runners to
// drain, bounded by ctx.
func (d *Director) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stop)
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	now := time.Now().UTC()
	for _, wf := range d.workflows {
		if !wf.Status.Terminal() {
			wf.Status = WorkflowFailed
			wf.LastError = "director shutdown"
			wf.CompletedAt = now
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to drain workflow runners: %w", ctx.Err())
	}
	d.logger.Info(ctx, "director stopped")
	return nil
}

// handleStatus routes department step reports to the waiting runner. Late
// or unmatched reports are dropped.
func (d *Director) handleStatus(ctx context.Context, msg *bus.Message) error {
	st := msg.Content.Status
	if st == nil || st.StepID == "" {
		return nil
	}
	d.mu.RLock()
	ch, ok := d.waiters[st.StepID]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug(ctx, "status report for unknown step",
			zap.String("step_id", st.StepID),
			zap.String("sender", msg.Sender),
		)
		return nil
	}
	select {
	case ch <- stepSignal{state: st.State, detail: st.Detail}:
	default:
		// Duplicate report after the step concluded.
	}
	return nil
}

// notifySession sends a status message describing the workflow outcome to
// the owning session's bus address.
func (d *Director) notifySession(ctx context.Context, sessionID, state, detail string) {
	if sessionID == "" {
		return
	}
	msg := bus.NewMessage(bus.TypeStatusUpdate, busIdentity, bus.Body{
		Status: &bus.StatusBody{State: state, Detail: detail},
	})
	msg.Receiver = sessionID
	if err := d.bus.Publish(ctx, msg); err != nil {
		d.logger.Warn(ctx, "failed to notify session of workflow outcome",
			zap.String("session_id", sessionID),
			zap.String("state", state),
			zap.Error(err),
		)
	}
}

// normalizeSteps deep-copies the steps and assigns positional ids to any
// step missing one.
func normalizeSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s.clone()
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("step-%d", i+1)
		}
	}
	return out
}

// validateSteps enforces the structural rules shared by CreateWorkflow and
// LoadSpec: unique ids, known step types, fully addressed execute steps,
// recognized gate names, and dependencies that reference earlier steps
// only.
func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: at least one step required", ErrInvalidWorkflow)
	}
	seen := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidWorkflow, s.ID)
		}
		seen[s.ID] = i

		switch s.Type {
		case StepExecute:
			if s.Target == "" {
				return fmt.Errorf("%w: execute step %q requires a target", ErrInvalidWorkflow, s.ID)
			}
			if s.Action == "" {
				return fmt.Errorf("%w: execute step %q requires an action", ErrInvalidWorkflow, s.ID)
			}
		case StepVerify:
			for _, g := range s.QualityGates {
				if !knownGate(g) {
					return fmt.Errorf("%w: step %q names unknown quality gate %q", ErrInvalidWorkflow, s.ID, g)
				}
			}
		case StepCheckpoint, StepRollback:
		default:
			return fmt.Errorf("%w: step %q has unknown type %q", ErrInvalidWorkflow, s.ID, s.Type)
		}

		for _, dep := range s.DependsOn {
			pos, ok := seen[dep]
			if !ok || pos >= i {
				return fmt.Errorf("%w: step %q depends on %q which is not an earlier step", ErrInvalidWorkflow, s.ID, dep)
			}
		}
	}
	return nil
}
