// Package department implements the task executors of the director
// protocol. A department consumes command messages addressed to its name,
// executes simulated domain work under a concurrency and resource cap, runs
// quality validators over the outcome, and reports status updates back over
// the bus. Performance stats are written through the registry, where the
// director's quality gates read them.
package department

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/contextstore"
	"github.com/fyrsmithlabs/directord/internal/logging"
	"github.com/fyrsmithlabs/directord/internal/registry"
)

const instrumentationName = "github.com/fyrsmithlabs/directord/internal/department"

// Deps are the department's collaborators. Bus and Registry are required;
// Context is the optional shared-knowledge side channel.
type Deps struct {
	Bus      bus.Bus
	Registry *registry.Registry
	Context  *contextstore.Manager
	Logger   *logging.Logger
}

// Metrics is a point-in-time view of department activity.
type Metrics struct {
	TasksCompleted int         `json:"tasksCompleted"`
	TasksFailed    int         `json:"tasksFailed"`
	TasksActive    int         `json:"tasksActive"`
	TasksQueued    int         `json:"tasksQueued"`
	AvgDurationMs  float64     `json:"avgDurationMs"`
	SuccessRate    float64     `json:"successRate"`
	Utilization    Utilization `json:"utilization"`
}

// Department executes tasks for one session under concurrency and resource
// caps.
type Department struct {
	cfg       config.DepartmentConfig
	id        string
	name      string
	domain    string
	sessionID string
	logger    *logging.Logger
	tracer    trace.Tracer

	bus      bus.Bus
	registry *registry.Registry
	context  *contextstore.Manager
	monitor  *Monitor

	unsubscribe func()

	mu      sync.Mutex
	active  map[string]*Task
	queue   []*Task
	tasks   map[string]*Task
	closed  bool
	totalMs float64
	done    int
	failed  int

	wg sync.WaitGroup
}

// New registers the department in the registry bound to sessionID and
// subscribes to command messages addressed to name.
func New(cfg config.DepartmentConfig, name, domain, sessionID string, deps Deps) (*Department, error) {
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
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.MaxTaskRetries < 0 {
		cfg.MaxTaskRetries = 0
	}

	rec, err := deps.Registry.RegisterDepartment(&registry.Department{
		Name:      name,
		Domain:    domain,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register department: %w", err)
	}

	d := &Department{
		cfg:       cfg,
		id:        rec.ID,
		name:      name,
		domain:    domain,
		sessionID: sessionID,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		bus:       deps.Bus,
		registry:  deps.Registry,
		context:   deps.Context,
		monitor:   NewMonitor(cfg.Resources),
		active:    make(map[string]*Task),
		tasks:     make(map[string]*Task),
	}

	unsubscribe, err := deps.Bus.Subscribe(bus.Filter{Type: bus.TypeCommand, Receiver: name}, d.handleCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to commands: %w", err)
	}
	d.unsubscribe = unsubscribe

	logger.Info(context.Background(), "department started",
		zap.String("department_id", d.id),
		zap.String("name", name),
		zap.String("domain", domain),
		zap.String("session_id", sessionID),
	)
	return d, nil
}

// ID returns the registry id assigned at registration.
func (d *Department) ID() string { return d.id }

// Name returns the bus address the department answers to.
func (d *Department) Name() string { return d.name }

// Domain returns the department's specialty.
func (d *Department) Domain() string { return d.domain }

// SessionID returns the owning session.
func (d *Department) SessionID() string { return d.sessionID }

// SubmitTask runs the task immediately when capacity and resources allow,
// otherwise appends it to the FIFO queue. The queue drains as running tasks
// finish and release their resources.
func (d *Department) SubmitTask(ctx context.Context, task *Task) error {
	_, span := d.tracer.Start(ctx, "department.submit")
	defer span.End()

	if err := task.Validate(); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now().UTC()
	}
	if task.replyTo == "" {
		task.replyTo = "director"
	}

	est := profileFor(task.Type).estimate
	if !d.monitor.Fits(est) {
		return fmt.Errorf("%w: %s needs %dMB/%.0f%%cpu/%dMB disk", ErrTaskTooLarge,
			task.Type, est.MemoryMB, est.CPUPercent, est.DiskMB)
	}

	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.tasks[task.ID] = task

	if len(d.active) < d.cfg.MaxConcurrentTasks && d.monitor.Allocate(est) {
		d.startLocked(task, est)
		return nil
	}

	task.Status = TaskQueued
	d.queue = append(d.queue, task)
	d.logger.Debug(ctx, "task queued",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Int("queue_depth", len(d.queue)),
	)
	return nil
}

// GetTask returns a copy of a submitted task.
func (d *Department) GetTask(id string) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// Metrics returns current department activity and resource utilization.
func (d *Department) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := Metrics{
		TasksCompleted: d.done,
		TasksFailed:    d.failed,
		TasksActive:    len(d.active),
		TasksQueued:    len(d.queue),
		Utilization:    d.monitor.Utilization(),
	}
	if total := d.done + d.failed; total > 0 {
		m.AvgDurationMs = d.totalMs / float64(total)
		m.SuccessRate = float64(d.done) / float64(total)
	}
	return m
}

// Close unsubscribes from the bus, fails anything still queued, and waits
// for running tasks to finish.
func (d *Department) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	dropped := d.queue
	d.queue = nil
	now := time.Now().UTC()
	for _, t := range dropped {
		t.Status = TaskFailed
		t.CompletedAt = now
		t.Result = &TaskResult{Detail: "department closed before execution"}
	}
	d.mu.Unlock()

	d.wg.Wait()

	inactive := false
	if _, err := d.registry.UpdateDepartment(d.id, registry.DepartmentUpdate{IsActive: &inactive}); err != nil {
		d.logger.Warn(context.Background(), "failed to deactivate department record",
			zap.String("department_id", d.id),
			zap.Error(err),
		)
	}
	d.logger.Info(context.Background(), "department closed",
		zap.String("department_id", d.id),
		zap.Int("dropped_queued", len(dropped)),
	)
	return nil
}

// handleCommand turns a command message into a task submission.
func (d *Department) handleCommand(ctx context.Context, msg *bus.Message) error {
	cmd := msg.Content.Command
	if cmd == nil {
		d.logger.Warn(ctx, "ignoring command message without command body",
			zap.String("message_id", msg.ID))
		return nil
	}

	task := NewTask(cmd.Action, stringParam(cmd.Params, "description"))
	task.Params = cmd.Params
	task.QualityCriteria = stringsParam(cmd.Params, "qualityCriteria")
	task.Priority = string(msg.Priority)
	task.replyTo = msg.Sender

	if err := d.SubmitTask(ctx, task); err != nil {
		return fmt.Errorf("failed to accept task %s: %w", task.Type, err)
	}
	return nil
}

// startLocked marks the task active and launches its runner. Caller holds
// d.mu and has already allocated est.
func (d *Department) startLocked(task *Task, est Estimate) {
	task.Status = TaskRunning
	task.StartedAt = time.Now().UTC()
	d.active[task.ID] = task
	d.wg.Add(1)
	go d.run(task, est)
}

// run executes one task to completion, releases its resources, and drains
// the queue. Resources are released on every path out.
func (d *Department) run(task *Task, est Estimate) {
	defer d.wg.Done()
	ctx := context.Background()
	ctx, span := d.tracer.Start(ctx, "department.task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
	)

	defer func() {
		d.monitor.Release(est)
		d.drainQueue()
	}()

	d.recordCurrentTask(ctx, task.Description, task.Type)

	start := time.Now()
	results, detail, success, retries := d.execute(task)
	durationMs := float64(time.Since(start)) / float64(time.Millisecond)

	d.mu.Lock()
	delete(d.active, task.ID)
	task.RetryCount = retries
	task.CompletedAt = time.Now().UTC()
	task.Result = &TaskResult{
		Success:    success,
		Detail:     detail,
		DurationMs: durationMs,
		Validators: results,
	}
	if success {
		task.Status = TaskCompleted
		d.done++
	} else {
		task.Status = TaskFailed
		d.failed++
	}
	d.totalMs += durationMs
	perf := registry.Performance{
		TasksCompleted: d.done,
		TasksFailed:    d.failed,
		AvgDurationMs:  d.totalMs / float64(d.done+d.failed),
	}
	perf.SuccessRate = float64(d.done) / float64(d.done+d.failed)
	d.mu.Unlock()

	d.writeback(ctx, task, perf, success)
	d.publishOutcome(ctx, task, durationMs, results, detail, success)
	d.recordObservation(ctx, task, success)

	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	taskOutcomes.WithLabelValues(d.domain, outcome).Inc()
	taskDuration.WithLabelValues(d.domain).Observe(durationMs / 1000)

	d.logger.Info(ctx, "task finished",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Bool("success", success),
		zap.Float64("duration_ms", durationMs),
		zap.Int("retries", task.RetryCount),
	)
	span.SetAttributes(attribute.Bool("task.success", success))
}

// execute performs the simulated work with retries, then judges the result
// against the task's quality criteria. Transient failures consume the retry
// budget; validator failures do not improve with repetition, so the final
// attempt's validator verdict is terminal.
func (d *Department) execute(task *Task) ([]ValidatorResult, string, bool, int) {
	p := profileFor(task.Type)
	transient := intParam(task.Params, "transientFailures")

	retries := 0
	for attempt := 0; ; attempt++ {
		time.Sleep(p.duration)

		if attempt < transient {
			if retries >= d.cfg.MaxTaskRetries {
				return nil, fmt.Sprintf("abandoned after %d retries: simulated transient failure", retries), false, retries
			}
			retries++
			continue
		}

		results, passed := runValidators(task)
		if !passed {
			return results, failedCriteria(results), false, retries
		}
		return results, "ok", true, retries
	}
}

func failedCriteria(results []ValidatorResult) string {
	for _, r := range results {
		if !r.Passed {
			return fmt.Sprintf("quality criterion %s failed: %s", r.Name, r.Detail)
		}
	}
	return "quality criteria failed"
}

// writeback persists performance stats and task bookkeeping through the
// registry so gate scoring sees them.
func (d *Department) writeback(ctx context.Context, task *Task, perf registry.Performance, success bool) {
	clear := ""
	upd := registry.DepartmentUpdate{
		CurrentTask: &clear,
		Performance: &perf,
	}
	if success {
		upd.CompletedTask = &task.ID
	}
	if _, err := d.registry.UpdateDepartment(d.id, upd); err != nil {
		d.logger.Warn(ctx, "failed to write back department performance",
			zap.String("department_id", d.id),
			zap.Error(err),
		)
	}
}

func (d *Department) recordCurrentTask(ctx context.Context, description, taskType string) {
	current := description
	if current == "" {
		current = taskType
	}
	if _, err := d.registry.UpdateDepartment(d.id, registry.DepartmentUpdate{CurrentTask: &current}); err != nil {
		d.logger.Warn(ctx, "failed to record current task",
			zap.String("department_id", d.id),
			zap.Error(err),
		)
	}
}

// publishOutcome reports the task result to whoever dispatched it. The step
// id declared in the params is echoed back so the director can match the
// update to a waiting workflow step.
func (d *Department) publishOutcome(ctx context.Context, task *Task, durationMs float64, results []ValidatorResult, detail string, success bool) {
	state := "completed"
	if !success {
		state = "failed"
	}
	passed, failedCount := 0, 0
	for _, r := range results {
		if r.Passed {
			passed++
		} else {
			failedCount++
		}
	}
	msg := bus.NewMessage(bus.TypeStatusUpdate, d.name, bus.Body{
		Status: &bus.StatusBody{
			State:  state,
			StepID: stringParam(task.Params, "stepId"),
			Detail: detail,
			Metrics: map[string]float64{
				"durationMs":       durationMs,
				"validatorsPassed": float64(passed),
				"validatorsFailed": float64(failedCount),
				"retries":          float64(task.RetryCount),
			},
		},
	})
	msg.Receiver = task.replyTo
	if err := d.bus.Publish(ctx, msg); err != nil {
		d.logger.Warn(ctx, "failed to publish task outcome",
			zap.String("task_id", task.ID),
			zap.String("receiver", task.replyTo),
			zap.Error(err),
		)
	}
}

// recordObservation drops a note in the shared context store. Failures rank
// higher because they are what the next decision needs to know about.
func (d *Department) recordObservation(ctx context.Context, task *Task, success bool) {
	if d.context == nil {
		return
	}
	event := "task completed"
	importance := 0.4
	if !success {
		event = "task failed"
		importance = 0.7
	}
	item := contextstore.NewItem(d.sessionID, contextstore.TypeObservation, map[string]any{
		"event":      event,
		"task":       task.Type,
		"department": d.name,
		"detail":     task.Result.Detail,
	})
	item.Importance = importance
	item.Tags = []string{"task-outcome"}
	if _, err := d.context.AddItem(ctx, item); err != nil {
		d.logger.Warn(ctx, "failed to record task observation",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}

// drainQueue starts queued tasks while capacity and resources allow. The
// queue is strictly FIFO: when the head does not fit, everything waits.
func (d *Department) drainQueue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for len(d.queue) > 0 && len(d.active) < d.cfg.MaxConcurrentTasks {
		next := d.queue[0]
		est := profileFor(next.Type).estimate
		if !d.monitor.Allocate(est) {
			return
		}
		d.queue = d.queue[1:]
		d.startLocked(next, est)
	}
}
