package director

import (
	"fmt"
	"time"
)

// WorkflowStatus tracks a workflow through its lifecycle.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowRunning    WorkflowStatus = "running"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowRolledBack WorkflowStatus = "rolled_back"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowRolledBack:
		return true
	}
	return false
}

// StepType selects the handler a step is dispatched to.
type StepType string

const (
	// StepExecute publishes a command to a department and awaits its
	// status report.
	StepExecute StepType = "execute"
	// StepVerify runs quality gates against the owning session.
	StepVerify StepType = "verify"
	// StepCheckpoint captures a restore point for the session.
	StepCheckpoint StepType = "checkpoint"
	// StepRollback restores the session's latest restore point.
	StepRollback StepType = "rollback"
)

// Step is a single unit of work inside a workflow.
type Step struct {
	ID           string         `json:"id"`
	Type         StepType       `json:"type"`
	Target       string         `json:"target,omitempty"`
	Action       string         `json:"action,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	DependsOn    []string       `json:"dependsOn,omitempty"`
	QualityGates []string       `json:"qualityGates,omitempty"`
	TimeoutMs    int            `json:"timeoutMs,omitempty"`
}

func (s Step) clone() Step {
	out := s
	if s.Params != nil {
		out.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	out.DependsOn = append([]string(nil), s.DependsOn...)
	out.QualityGates = append([]string(nil), s.QualityGates...)
	return out
}

// Workflow is an ordered sequence of steps bound to one session. Steps run
// strictly sequentially; CurrentStep is the index of the next step to run.
type Workflow struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"sessionId"`
	Name        string            `json:"name"`
	Steps       []Step            `json:"steps"`
	Status      WorkflowStatus    `json:"status"`
	CurrentStep int               `json:"currentStep"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	CompletedAt time.Time         `json:"completedAt,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
}

func (w *Workflow) clone() *Workflow {
	out := *w
	out.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		out.Steps[i] = s.clone()
	}
	if w.Metadata != nil {
		out.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// step returns the indexed step, or false when the index is out of range.
func (w *Workflow) step(i int) (Step, bool) {
	if i < 0 || i >= len(w.Steps) {
		return Step{}, false
	}
	return w.Steps[i], true
}

// GateResult records one quality gate evaluation.
type GateResult struct {
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Score     float64   `json:"score"`
	Threshold float64   `json:"threshold"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

func (g GateResult) String() string {
	verdict := "failed"
	if g.Passed {
		verdict = "passed"
	}
	return fmt.Sprintf("%s %s (%.1f/%.1f)", g.Name, verdict, g.Score, g.Threshold)
}
