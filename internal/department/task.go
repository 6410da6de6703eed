package department

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors for department operations.
var (
	ErrClosed       = errors.New("department is closed")
	ErrInvalidTask  = errors.New("invalid task")
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTooLarge = errors.New("task exceeds resource limits")
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a unit of domain work submitted to a department.
type Task struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Description     string         `json:"description,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	QualityCriteria []string       `json:"qualityCriteria,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	Status          TaskStatus     `json:"status"`
	RetryCount      int            `json:"retryCount"`
	SubmittedAt     time.Time      `json:"submittedAt"`
	StartedAt       time.Time      `json:"startedAt"`
	CompletedAt     time.Time      `json:"completedAt"`
	Result          *TaskResult    `json:"result,omitempty"`

	// replyTo is the bus participant expecting the outcome message. Tasks
	// submitted directly rather than via a command default to the director.
	replyTo string
}

// TaskResult is the outcome of a finished task.
type TaskResult struct {
	Success    bool              `json:"success"`
	Detail     string            `json:"detail,omitempty"`
	DurationMs float64           `json:"durationMs"`
	Validators []ValidatorResult `json:"validators,omitempty"`
}

// ValidatorResult is one quality validator's verdict.
type ValidatorResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// NewTask creates a pending task of the given type.
func NewTask(taskType, description string) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Description: description,
		Status:      TaskPending,
		SubmittedAt: time.Now().UTC(),
	}
}

// Validate checks the fields required before submission.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: type required", ErrInvalidTask)
	}
	return nil
}

func (t *Task) clone() *Task {
	cp := *t
	if t.Params != nil {
		cp.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.QualityCriteria != nil {
		cp.QualityCriteria = append([]string(nil), t.QualityCriteria...)
	}
	if t.Result != nil {
		res := *t.Result
		res.Validators = append([]ValidatorResult(nil), t.Result.Validators...)
		cp.Result = &res
	}
	return &cp
}

// profile is the simulated cost of a task type: how long the work takes and
// what it holds while running. Durations are deterministic so workflow
// behavior is reproducible.
type profile struct {
	duration time.Duration
	estimate Estimate
}

var profiles = map[string]profile{
	"build":   {120 * time.Millisecond, Estimate{MemoryMB: 512, CPUPercent: 45, DiskMB: 256}},
	"test":    {90 * time.Millisecond, Estimate{MemoryMB: 256, CPUPercent: 35, DiskMB: 64}},
	"lint":    {40 * time.Millisecond, Estimate{MemoryMB: 128, CPUPercent: 20, DiskMB: 16}},
	"review":  {60 * time.Millisecond, Estimate{MemoryMB: 96, CPUPercent: 10, DiskMB: 8}},
	"deploy":  {150 * time.Millisecond, Estimate{MemoryMB: 384, CPUPercent: 30, DiskMB: 512}},
	"analyze": {110 * time.Millisecond, Estimate{MemoryMB: 640, CPUPercent: 50, DiskMB: 128}},
}

var defaultProfile = profile{75 * time.Millisecond, Estimate{MemoryMB: 192, CPUPercent: 25, DiskMB: 64}}

func profileFor(taskType string) profile {
	if p, ok := profiles[taskType]; ok {
		return p
	}
	return defaultProfile
}

// intParam reads a numeric task parameter, tolerating the types JSON
// decoding produces.
func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// stringParam reads a string task parameter.
func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// stringsParam reads a string-slice parameter, tolerating []any from JSON.
func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
