package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/contextstore"
	"github.com/fyrsmithlabs/directord/internal/gitops"
	"github.com/fyrsmithlabs/directord/internal/registry"
)

// Restore applies a checkpoint in phases: safety backup, isolation branch,
// git state, sessions, context. Phases never roll back what an earlier
// phase did; everything that went wrong is reported on the result instead.
func (m *Manager) Restore(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.restore")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkpoint.id", id),
		attribute.Bool("restore.git", opts.RestoreGit),
		attribute.Bool("restore.context", opts.RestoreContext),
	)

	if err := m.failIfClosed(); err != nil {
		return nil, err
	}

	cp, err := m.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &RestoreResult{CheckpointID: cp.ID}
	overwrite := opts.Overwrite || cp.HasTag("auto-restore")

	if opts.BackupFirst {
		m.backupBeforeRestore(ctx, cp, result)
	}

	restoreBranch := fmt.Sprintf("restore/%s-%d", cp.ID, time.Now().Unix())
	m.isolateOnBranch(ctx, restoreBranch, result)

	if opts.RestoreGit {
		m.restoreGit(ctx, cp, result)
	}

	m.restoreSessions(ctx, cp, overwrite, result)

	if opts.RestoreContext {
		m.restoreContext(ctx, cp, result)
	}

	result.Success = len(result.Errors) == 0

	m.events.Emit(ctx, "checkpoint.restored", map[string]any{
		"id":               cp.ID,
		"success":          result.Success,
		"restoredSessions": result.RestoredSessions,
		"conflicts":        len(result.Conflicts),
	})
	if m.restoreCounter != nil {
		m.restoreCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("success", result.Success),
		))
	}
	m.logger.Info(ctx, "restored checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.Bool("success", result.Success),
		zap.Int("restored_sessions", result.RestoredSessions),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Int("warnings", len(result.Warnings)),
		zap.Int("errors", len(result.Errors)),
	)

	span.SetAttributes(attribute.Bool("success", result.Success))
	return result, nil
}

// backupBeforeRestore snapshots current state so the restore itself can be
// undone. A failed backup downgrades to a warning rather than aborting.
func (m *Manager) backupBeforeRestore(ctx context.Context, cp *Checkpoint, result *RestoreResult) {
	backup, err := m.Create(ctx, CreateInput{
		Name: "pre-restore-" + cp.ID,
		Tags: []string{"pre-restore"},
	})
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("pre-restore backup failed: %v", err))
		return
	}
	m.logger.Info(ctx, "created pre-restore backup",
		zap.String("backup_id", backup.ID),
		zap.String("checkpoint_id", cp.ID),
	)
}

// isolateOnBranch moves work onto a dedicated restore branch so a botched
// restore never mangles the branch the operator was on.
func (m *Manager) isolateOnBranch(ctx context.Context, branch string, result *RestoreResult) {
	if m.git == nil {
		return
	}
	if err := m.git.CreateBranch(ctx, branch); err != nil && !errors.Is(err, gitops.ErrBranchExists) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("failed to create restore branch %s: %v", branch, err))
		return
	}
	if err := m.git.SwitchBranch(ctx, branch); err != nil {
		result.Errors = append(result.Errors,
			fmt.Sprintf("failed to switch to restore branch %s: %v", branch, err))
	}
}

// restoreGit resets to the snapshot commit and recreates recorded branches
// and tags. Individual failures accumulate; the phase keeps going.
func (m *Manager) restoreGit(ctx context.Context, cp *Checkpoint, result *RestoreResult) {
	if m.git == nil {
		result.Warnings = append(result.Warnings, "git restore requested but no repository is configured")
		return
	}
	gs := cp.Snapshot.Git

	if gs.Commit != "" {
		if err := m.git.ResetTo(ctx, gs.Commit); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to reset to %s: %v", gs.Commit, err))
		}
	}

	for _, branch := range gs.Branches {
		err := m.git.CreateBranch(ctx, branch)
		switch {
		case err == nil:
			result.RestoredBranches++
		case errors.Is(err, gitops.ErrBranchExists):
			// Already present; nothing to restore.
		default:
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to recreate branch %s: %v", branch, err))
		}
	}

	for _, tag := range gs.Tags {
		if err := m.git.CreateTag(ctx, tag); err != nil && !errors.Is(err, gitops.ErrTagExists) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to recreate tag %s: %v", tag, err))
		}
	}
}

// restoreSessions recreates missing sessions with their departments.
// Sessions that still exist become conflicts: overwritten when allowed,
// skipped with a warning otherwise.
func (m *Manager) restoreSessions(ctx context.Context, cp *Checkpoint, overwrite bool, result *RestoreResult) {
	for _, state := range cp.Snapshot.Sessions {
		_, err := m.registry.GetSession(state.ID)
		switch {
		case errors.Is(err, registry.ErrSessionNotFound):
			if err := m.recreateSession(state); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to recreate session %s: %v", state.ID, err))
				continue
			}
			result.RestoredSessions++

		case err != nil:
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to look up session %s: %v", state.ID, err))

		default:
			conflict := Conflict{
				Type:     ConflictSessionExists,
				EntityID: state.ID,
				Severity: "warning",
			}
			if overwrite {
				conflict.Resolution = "overwrite"
				if err := m.overwriteSession(state); err != nil {
					result.Errors = append(result.Errors,
						fmt.Sprintf("failed to overwrite session %s: %v", state.ID, err))
				} else {
					result.RestoredSessions++
				}
			} else {
				conflict.Resolution = "skip"
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("session %s exists, skipped (use overwrite to replace)", state.ID))
			}
			result.Conflicts = append(result.Conflicts, conflict)
		}
	}
}

func (m *Manager) recreateSession(state SessionState) error {
	_, err := m.registry.RegisterSession(&registry.Session{
		ID:        state.ID,
		Type:      state.Type,
		Name:      state.Name,
		Workspace: state.Workspace,
		Branch:    state.Branch,
		Metadata:  state.Metadata,
	})
	if err != nil {
		return err
	}
	if err := m.applySessionStatus(state); err != nil {
		return err
	}
	return m.recreateDepartments(state)
}

// overwriteSession pushes snapshot fields over the live session and brings
// back any departments the snapshot had that the live session lost.
func (m *Manager) overwriteSession(state SessionState) error {
	status := registry.SessionStatus(state.Status)
	upd := registry.SessionUpdate{
		Name:      &state.Name,
		Workspace: &state.Workspace,
		Branch:    &state.Branch,
		Metadata:  state.Metadata,
	}
	if status.Valid() {
		upd.Status = &status
	}
	if _, err := m.registry.UpdateSession(state.ID, upd); err != nil {
		return err
	}
	return m.recreateDepartments(state)
}

func (m *Manager) applySessionStatus(state SessionState) error {
	status := registry.SessionStatus(state.Status)
	if !status.Valid() || status == registry.StatusInitializing {
		return nil
	}
	_, err := m.registry.UpdateSession(state.ID, registry.SessionUpdate{Status: &status})
	return err
}

func (m *Manager) recreateDepartments(state SessionState) error {
	existing := make(map[string]bool)
	for _, d := range m.registry.GetDepartmentsBySession(state.ID) {
		existing[d.ID] = true
	}
	for _, d := range state.Departments {
		if existing[d.ID] {
			continue
		}
		_, err := m.registry.RegisterDepartment(&registry.Department{
			ID:          d.ID,
			Name:        d.Name,
			Domain:      d.Domain,
			SessionID:   state.ID,
			CurrentTask: d.CurrentTask,
		})
		if err != nil {
			return fmt.Errorf("department %s: %w", d.ID, err)
		}
	}
	return nil
}

// restoreContext re-seeds the snapshot's context summary so restored
// sessions start with a record of what the system knew.
func (m *Manager) restoreContext(ctx context.Context, cp *Checkpoint, result *RestoreResult) {
	if m.context == nil {
		result.Warnings = append(result.Warnings, "context restore requested but no context manager is configured")
		return
	}

	targets := []string{cp.SessionID}
	if cp.SessionID == "" {
		targets = targets[:0]
		for _, s := range cp.Snapshot.Sessions {
			targets = append(targets, s.ID)
		}
	}

	summary := contextstore.Summary{
		Items:   cp.Snapshot.Context.ItemCount,
		Windows: cp.Snapshot.Context.Windows,
	}
	for _, sessionID := range targets {
		if err := m.context.RestoreSummary(ctx, sessionID, summary); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("failed to re-seed context for session %s: %v", sessionID, err))
		}
	}
}
