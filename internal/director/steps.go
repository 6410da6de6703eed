package director

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/checkpoint"
)

// maxRetryBackoff caps the delay between step attempts.
const maxRetryBackoff = 30 * time.Second

// runWorkflow drives one workflow to a terminal state, one step at a time.
func (d *Director) runWorkflow(wf *Workflow) {
	defer d.wg.Done()
	ctx := context.Background()

	for {
		d.mu.RLock()
		status := wf.Status
		idx := wf.CurrentStep
		step, ok := wf.step(idx)
		d.mu.RUnlock()

		if status != WorkflowRunning {
			return
		}
		if !ok {
			d.completeWorkflow(ctx, wf)
			return
		}

		err := d.runStep(ctx, wf, step, idx)
		if err == nil {
			d.mu.Lock()
			if wf.Status == WorkflowRunning && wf.CurrentStep == idx {
				wf.CurrentStep++
			}
			d.mu.Unlock()
			continue
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		if !d.scheduleRetry(ctx, wf, step, err) {
			d.failWorkflow(ctx, wf, step, err)
			return
		}
	}
}

// runStep dispatches a step to its handler.
func (d *Director) runStep(ctx context.Context, wf *Workflow, step Step, idx int) error {
	ctx, span := d.tracer.Start(ctx, "director.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Type)),
	)

	handler, ok := d.handlers[step.Type]
	if !ok {
		return orchErr(CodeStepHandlerNotFound, "no handler for step type %q", step.Type)
	}
	err := handler(ctx, wf, step, idx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
	}
	return err
}

// scheduleRetry records the failed pass and, when the step's retry budget
// allows, sleeps through the backoff and reports true. The counter is
// incremented exactly once per failed pass.
func (d *Director) scheduleRetry(ctx context.Context, wf *Workflow, step Step, cause error) bool {
	if !retryable(cause) {
		return false
	}

	key := "retries:" + step.ID
	d.mu.Lock()
	count, _ := strconv.Atoi(wf.Metadata[key])
	count++
	wf.Metadata[key] = strconv.Itoa(count)
	d.mu.Unlock()

	if count > d.cfg.MaxStepRetries {
		return false
	}

	delay := retryDelay(d.stepTimeout(step))
	stepRetries.WithLabelValues(string(step.Type)).Inc()
	d.logger.Warn(ctx, "step failed, rescheduling",
		zap.String("workflow_id", wf.ID),
		zap.String("step_id", step.ID),
		zap.Int("retry", count),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)

	select {
	case <-time.After(delay):
		return true
	case <-d.stop:
		// Shutdown already marked the workflow; let the runner observe it.
		return true
	}
}

// retryDelay doubles the step timeout, bounded by maxRetryBackoff.
func retryDelay(timeout time.Duration) time.Duration {
	delay := timeout * 2
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay
}

// stepTimeout resolves a step's wait budget, falling back to the
// configured default.
func (d *Director) stepTimeout(step Step) time.Duration {
	if step.TimeoutMs > 0 {
		return time.Duration(step.TimeoutMs) * time.Millisecond
	}
	return d.cfg.DefaultStepTimeout.Duration()
}

// stepExecute publishes the step as a command to its target department and
// waits for the department's report, the timeout, or shutdown.
func (d *Director) stepExecute(ctx context.Context, wf *Workflow, step Step, idx int) error {
	if err := d.checkDependencies(wf, step, idx); err != nil {
		return err
	}

	// Step ids repeat across workflows, so reports are matched on a
	// workflow-qualified id.
	dispatchID := wf.ID + ":" + step.ID
	ch := make(chan stepSignal, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.waiters[dispatchID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, dispatchID)
		d.mu.Unlock()
	}()

	params := make(map[string]any, len(step.Params)+2)
	for k, v := range step.Params {
		params[k] = v
	}
	params["stepId"] = dispatchID
	params["workflowId"] = wf.ID

	msg := bus.NewMessage(bus.TypeCommand, busIdentity, bus.Body{
		Command: &bus.CommandBody{
			Action: step.Action,
			Target: step.Target,
			Params: params,
		},
	})
	msg.Receiver = step.Target
	if err := d.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to dispatch step %s: %w", step.ID, err)
	}
	d.logger.Debug(ctx, "step dispatched",
		zap.String("workflow_id", wf.ID),
		zap.String("step_id", step.ID),
		zap.String("target", step.Target),
		zap.String("action", step.Action),
	)

	timeout := d.stepTimeout(step)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sig := <-ch:
		if sig.state == "completed" {
			return nil
		}
		return orchErr(CodeStepFailed, "step %s failed: %s", step.ID, sig.detail)
	case <-timer.C:
		return orchErr(CodeStepTimeout, "step %s timed out after %s", step.ID, timeout)
	case <-d.stop:
		return ErrClosed
	}
}

// checkDependencies verifies every dependency of the step has already
// passed, meaning its position precedes the workflow's current step.
func (d *Director) checkDependencies(wf *Workflow, step Step, idx int) error {
	if len(step.DependsOn) == 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dep := range step.DependsOn {
		pos := -1
		for i, s := range wf.Steps {
			if s.ID == dep {
				pos = i
				break
			}
		}
		if pos < 0 || pos >= idx {
			return orchErr(CodeDependencyNotMet, "step %s depends on %s which has not passed", step.ID, dep)
		}
	}
	return nil
}

// stepVerify evaluates the step's quality gates against the owning
// session. A failing security gate makes the whole step non-retryable.
func (d *Director) stepVerify(ctx context.Context, wf *Workflow, step Step, idx int) error {
	if len(step.QualityGates) == 0 {
		return nil
	}
	results, err := d.evaluateGates(ctx, wf.SessionID, step.QualityGates)
	if err != nil {
		return err
	}

	var failed []GateResult
	for _, r := range results {
		verdict := "failed"
		if r.Passed {
			verdict = "passed"
		}
		gateResults.WithLabelValues(r.Name, verdict).Inc()
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		d.logger.Debug(ctx, "quality gates passed",
			zap.String("workflow_id", wf.ID),
			zap.String("step_id", step.ID),
			zap.Int("gates", len(results)),
		)
		return nil
	}

	descriptions := make([]string, len(failed))
	blocked := false
	for i, f := range failed {
		descriptions[i] = f.String()
		if !f.Retryable {
			blocked = true
		}
	}
	gateErr := orchErr(CodeGateFailed, "quality gates failed: %s", strings.Join(descriptions, ", "))
	if blocked {
		terminal(gateErr)
	}
	return gateErr
}

// stepCheckpoint captures a restore point for the workflow's session. The
// auto-restore tag marks it as a target for automatic rollback.
func (d *Director) stepCheckpoint(ctx context.Context, wf *Workflow, step Step, idx int) error {
	if d.checkpoint == nil {
		return terminal(orchErr(CodeStepFailed, "checkpoint step %s: no checkpoint manager configured", step.ID))
	}
	name := step.Action
	if name == "" {
		name = fmt.Sprintf("%s-%s", wf.Name, step.ID)
	}
	cp, err := d.checkpoint.Create(ctx, checkpoint.CreateInput{
		Name:      name,
		SessionID: wf.SessionID,
		Tags:      []string{"workflow", "auto-restore"},
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint for step %s: %w", step.ID, err)
	}

	d.mu.Lock()
	wf.Metadata["checkpoint:"+step.ID] = cp.ID
	d.mu.Unlock()
	d.logger.Info(ctx, "workflow checkpoint created",
		zap.String("workflow_id", wf.ID),
		zap.String("step_id", step.ID),
		zap.String("checkpoint_id", cp.ID),
	)
	return nil
}

// stepRollback restores the session's newest auto-restore checkpoint and
// marks the workflow rolled back. Restore points that predate the director
// are never targeted.
func (d *Director) stepRollback(ctx context.Context, wf *Workflow, step Step, idx int) error {
	if !d.cfg.RollbackEnabled {
		return orchErr(CodeRollbackDisabled, "step %s requested rollback but rollback is disabled", step.ID)
	}
	if d.checkpoint == nil {
		return terminal(orchErr(CodeStepFailed, "rollback step %s: no checkpoint manager configured", step.ID))
	}

	cps, err := d.checkpoint.List(ctx, wf.SessionID)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints for session %s: %w", wf.SessionID, err)
	}
	var target *checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.HasTag("auto-restore") {
			target = cp
			break
		}
	}
	if target == nil {
		return terminal(orchErr(CodeStepFailed, "rollback step %s: session %s has no auto-restore checkpoint", step.ID, wf.SessionID))
	}

	res, err := d.checkpoint.Restore(ctx, target.ID, checkpoint.RestoreOptions{
		BackupFirst:    true,
		RestoreGit:     true,
		RestoreContext: true,
	})
	if err != nil {
		return fmt.Errorf("failed to restore checkpoint %s: %w", target.ID, err)
	}
	if !res.Success {
		return orchErr(CodeStepFailed, "restore of %s reported errors: %s", target.ID, strings.Join(res.Errors, "; "))
	}

	d.mu.Lock()
	sessionID, name := wf.SessionID, wf.Name
	if wf.Status == WorkflowRunning {
		wf.Status = WorkflowRolledBack
		wf.CompletedAt = time.Now().UTC()
	}
	d.mu.Unlock()

	workflowOutcomes.WithLabelValues(string(WorkflowRolledBack)).Inc()
	d.events.Emit(ctx, "workflow.rolled_back", map[string]any{
		"id":         wf.ID,
		"session":    sessionID,
		"checkpoint": target.ID,
	})
	d.notifySession(ctx, sessionID, "workflow_rolled_back", fmt.Sprintf("%s restored checkpoint %s", name, target.ID))
	d.logger.Info(ctx, "workflow rolled back",
		zap.String("workflow_id", wf.ID),
		zap.String("checkpoint_id", target.ID),
		zap.Int("restored_sessions", res.RestoredSessions),
	)
	return nil
}

// completeWorkflow marks a workflow that ran out of steps as completed.
func (d *Director) completeWorkflow(ctx context.Context, wf *Workflow) {
	d.mu.Lock()
	if wf.Status != WorkflowRunning {
		d.mu.Unlock()
		return
	}
	wf.Status = WorkflowCompleted
	wf.CompletedAt = time.Now().UTC()
	id, sessionID, name := wf.ID, wf.SessionID, wf.Name
	steps := len(wf.Steps)
	elapsed := wf.CompletedAt.Sub(wf.StartedAt)
	d.mu.Unlock()

	workflowOutcomes.WithLabelValues(string(WorkflowCompleted)).Inc()
	d.events.Emit(ctx, "workflow.completed", map[string]any{
		"id":      id,
		"session": sessionID,
		"name":    name,
		"steps":   steps,
	})
	d.notifySession(ctx, sessionID, "workflow_completed", name)
	d.logger.Info(ctx, "workflow completed",
		zap.String("workflow_id", id),
		zap.String("session_id", sessionID),
		zap.Int("steps", steps),
		zap.Duration("elapsed", elapsed),
	)
}

// failWorkflow marks a workflow failed, retaining CurrentStep and the
// cause for inspection.
func (d *Director) failWorkflow(ctx context.Context, wf *Workflow, step Step, cause error) {
	d.mu.Lock()
	if wf.Status.Terminal() {
		d.mu.Unlock()
		return
	}
	wf.Status = WorkflowFailed
	wf.LastError = cause.Error()
	wf.CompletedAt = time.Now().UTC()
	id, sessionID, name := wf.ID, wf.SessionID, wf.Name
	d.mu.Unlock()

	workflowOutcomes.WithLabelValues(string(WorkflowFailed)).Inc()
	d.events.Emit(ctx, "workflow.failed", map[string]any{
		"id":      id,
		"session": sessionID,
		"step":    step.ID,
		"error":   cause.Error(),
	})
	d.notifySession(ctx, sessionID, "workflow_failed", fmt.Sprintf("%s: %s", name, cause.Error()))
	d.logger.Error(ctx, "workflow failed",
		zap.String("workflow_id", id),
		zap.String("session_id", sessionID),
		zap.String("step_id", step.ID),
		zap.Error(cause),
	)
}
