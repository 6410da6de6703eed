package department

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/contextstore"
	"github.com/fyrsmithlabs/directord/internal/registry"
)

func testDepartmentConfig() config.DepartmentConfig {
	return config.DepartmentConfig{
		MaxConcurrentTasks: 3,
		MaxTaskRetries:     3,
		Resources: config.ResourceLimits{
			MemoryMB:   2048,
			CPUPercent: 100,
			DiskMB:     4096,
		},
	}
}

func newTestDeps(t *testing.T) (Deps, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(config.RegistryConfig{DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	b, err := bus.New(config.BusConfig{
		DataDir:      t.TempDir(),
		PollInterval: config.Duration(20 * time.Millisecond),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return Deps{Bus: b, Registry: reg}, reg
}

func newTestSession(t *testing.T, reg *registry.Registry) *registry.Session {
	t.Helper()
	s, err := reg.RegisterSession(&registry.Session{Type: "director", Name: "session-" + t.Name()})
	require.NoError(t, err)
	return s
}

func newTestDepartment(t *testing.T, cfg config.DepartmentConfig, deps Deps, sessionID string) *Department {
	t.Helper()
	d, err := New(cfg, "engineering", "engineering", sessionID, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// collectStatuses subscribes to status updates addressed to the director.
func collectStatuses(t *testing.T, b bus.Bus) <-chan *bus.StatusBody {
	t.Helper()
	ch := make(chan *bus.StatusBody, 16)
	cancel, err := b.Subscribe(bus.Filter{Type: bus.TypeStatusUpdate, Receiver: "director"}, func(ctx context.Context, msg *bus.Message) error {
		if msg.Content.Status != nil {
			ch <- msg.Content.Status
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

func awaitStatus(t *testing.T, ch <-chan *bus.StatusBody) *bus.StatusBody {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for status update")
		return nil
	}
}

func TestNew_RegistersDepartment(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	d := newTestDepartment(t, testDepartmentConfig(), deps, s.ID)

	rec, err := reg.GetDepartment(d.ID())
	require.NoError(t, err)
	assert.Equal(t, "engineering", rec.Name)
	assert.Equal(t, "engineering", rec.Domain)
	assert.Equal(t, s.ID, rec.SessionID)
	assert.True(t, rec.IsActive)
}

func TestNew_RequiresExistingSession(t *testing.T) {
	deps, _ := newTestDeps(t)

	_, err := New(testDepartmentConfig(), "engineering", "engineering", "ghost", deps)
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)

	_, err := New(testDepartmentConfig(), "engineering", "engineering", s.ID, Deps{Registry: deps.Registry})
	assert.Error(t, err)
	_, err = New(testDepartmentConfig(), "engineering", "engineering", s.ID, Deps{Bus: deps.Bus})
	assert.Error(t, err)
}

func TestSubmitTask_CompletesAndReportsStatus(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)
	d := newTestDepartment(t, testDepartmentConfig(), deps, s.ID)

	task := NewTask("lint", "lint the service")
	task.Params = map[string]any{"stepId": "step-1"}
	task.QualityCriteria = []string{"lint", "format"}
	require.NoError(t, d.SubmitTask(context.Background(), task))

	st := awaitStatus(t, statuses)
	assert.Equal(t, "completed", st.State)
	assert.Equal(t, "step-1", st.StepID)
	assert.Equal(t, float64(2), st.Metrics["validatorsPassed"])
	assert.Equal(t, float64(0), st.Metrics["validatorsFailed"])
	assert.Greater(t, st.Metrics["durationMs"], float64(0))

	got, err := d.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Success)
	assert.Len(t, got.Result.Validators, 2)
}

func TestSubmitTask_ValidatorFailureFailsTask(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)
	d := newTestDepartment(t, testDepartmentConfig(), deps, s.ID)

	task := NewTask("test", "run the suite")
	task.Params = map[string]any{"testFailures": 3}
	task.QualityCriteria = []string{"tests"}
	require.NoError(t, d.SubmitTask(context.Background(), task))

	st := awaitStatus(t, statuses)
	assert.Equal(t, "failed", st.State)
	assert.Contains(t, st.Detail, "tests")
	assert.Equal(t, float64(1), st.Metrics["validatorsFailed"])

	got, err := d.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	assert.False(t, got.Result.Success)
}

func TestSubmitTask_UnknownCriterionFailsClosed(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)
	d := newTestDepartment(t, testDepartmentConfig(), deps, s.ID)

	task := NewTask("review", "")
	task.QualityCriteria = []string{"fuzzing"}
	require.NoError(t, d.SubmitTask(context.Background(), task))

	st := awaitStatus(t, statuses)
	assert.Equal(t, "failed", st.State)
	assert.Contains(t, st.Detail, "no validator registered")
}

func TestSubmitTask_RetriesTransientFailures(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)
	d := newTestDepartment(t, testDepartmentConfig(), deps, s.ID)

	task := NewTask("lint", "")
	task.Params = map[string]any{"transientFailures": 2}
	task.QualityCriteria = []string{"lint"}
	require.NoError(t, d.SubmitTask(context.Background(), task))

	st := awaitStatus(t, statuses)
	assert.Equal(t, "completed", st.State)
	assert.Equal(t, float64(2), st.Metrics["retries"])

	got, err := d.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, TaskCompleted, got.Status)
}

func TestSubmitTask_AbandonsAfterRetryBudget(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)

	cfg := testDepartmentConfig()
	cfg.MaxTaskRetries = 2
	d := newTestDepartment(t, cfg, deps, s.ID)

	task := NewTask("lint", "")
	task.Params = map[string]any{"transientFailures": 10}
	require.NoError(t, d.SubmitTask(context.Background(), task))

	st := awaitStatus(t, statuses)
	assert.Equal(t, "failed", st.State)
	assert.Contains(t, st.Detail, "abandoned after 2 retries")

	got, err := d.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, TaskFailed, got.Status)
}

func TestSubmitTask_QueuesBeyondConcurrencyCap(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)

	cfg := testDepartmentConfig()
	cfg.MaxConcurrentTasks = 1
	d := newTestDepartment(t, cfg, deps, s.ID)

	for _, step := range []string{"first", "second", "third"} {
		task := NewTask("build", "")
		task.Params = map[string]any{"stepId": step}
		require.NoError(t, d.SubmitTask(context.Background(), task))
	}

	m := d.Metrics()
	assert.Equal(t, 1, m.TasksActive)
	assert.Equal(t, 2, m.TasksQueued)

	// FIFO: completions arrive in submission order.
	for _, want := range []string{"first", "second", "third"} {
		st := awaitStatus(t, statuses)
		assert.Equal(t, want, st.StepID)
		assert.Equal(t, "completed", st.State)
	}

	waitFor(t, 5*time.Second, "queue to drain", func() bool {
		m := d.Metrics()
		return m.TasksCompleted == 3 && m.TasksQueued == 0 && m.TasksActive == 0
	})
}

func TestSubmitTask_ResourceGateQueues(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)

	cfg := testDepartmentConfig()
	cfg.MaxConcurrentTasks = 4
	cfg.Resources.MemoryMB = 600 // one build (512MB) at a time
	d := newTestDepartment(t, cfg, deps, s.ID)

	first := NewTask("build", "")
	second := NewTask("build", "")
	require.NoError(t, d.SubmitTask(context.Background(), first))
	require.NoError(t, d.SubmitTask(context.Background(), second))

	m := d.Metrics()
	assert.Equal(t, 1, m.TasksActive)
	assert.Equal(t, 1, m.TasksQueued)
	assert.Greater(t, m.Utilization.Memory, 0.8)

	waitFor(t, 5*time.Second, "both builds to finish", func() bool {
		return d.Metrics().TasksCompleted == 2
	})
	assert.Equal(t, float64(0), d.Metrics().Utilization.Memory)
}

func TestSubmitTask_RejectsOversizedTask(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)

	cfg := testDepartmentConfig()
	cfg.Resources.MemoryMB = 64
	d := newTestDepartment(t, cfg, deps, s.ID)

	err := d.SubmitTask(context.Background(), NewTask("build", ""))
	assert.ErrorIs(t, err, ErrTaskTooLarge)
}

func TestHandleCommand_ExecutesBusCommand(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)
	newTestDepartment(t, testDepartmentConfig(), deps, s.ID)

	msg := bus.NewMessage(bus.TypeCommand, "director", bus.Body{
		Command: &bus.CommandBody{
			Action: "test",
			Target: "engineering",
			Params: map[string]any{
				"stepId":          "wf-step-4",
				"description":     "run integration suite",
				"qualityCriteria": []any{"tests", "security"},
			},
		},
	})
	msg.Receiver = "engineering"
	require.NoError(t, deps.Bus.Publish(context.Background(), msg))

	st := awaitStatus(t, statuses)
	assert.Equal(t, "completed", st.State)
	assert.Equal(t, "wf-step-4", st.StepID)
	assert.Equal(t, float64(2), st.Metrics["validatorsPassed"])
}

func TestPerformanceWriteback(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)
	d := newTestDepartment(t, testDepartmentConfig(), deps, s.ID)

	ok := NewTask("lint", "")
	require.NoError(t, d.SubmitTask(context.Background(), ok))
	awaitStatus(t, statuses)

	bad := NewTask("test", "")
	bad.Params = map[string]any{"testFailures": 1}
	bad.QualityCriteria = []string{"tests"}
	require.NoError(t, d.SubmitTask(context.Background(), bad))
	awaitStatus(t, statuses)

	rec, err := reg.GetDepartment(d.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Performance.TasksCompleted)
	assert.Equal(t, 1, rec.Performance.TasksFailed)
	assert.InDelta(t, 0.5, rec.Performance.SuccessRate, 1e-9)
	assert.Greater(t, rec.Performance.AvgDurationMs, float64(0))
	assert.Empty(t, rec.CurrentTask)
	assert.Contains(t, rec.CompletedTasks, ok.ID)
	assert.NotContains(t, rec.CompletedTasks, bad.ID)
}

func TestRecordsObservationInContext(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)
	statuses := collectStatuses(t, deps.Bus)

	cm, err := contextstore.NewManager(config.ContextConfig{
		WindowMaxSize: 10,
		IndexPath:     filepath.Join(t.TempDir(), "index"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })
	deps.Context = cm

	d := newTestDepartment(t, testDepartmentConfig(), deps, s.ID)

	task := NewTask("deploy", "ship it")
	require.NoError(t, d.SubmitTask(context.Background(), task))
	awaitStatus(t, statuses)

	items := cm.ListItems(s.ID)
	require.Len(t, items, 1)
	assert.Equal(t, contextstore.TypeObservation, items[0].Type)
	assert.True(t, items[0].HasTag("task-outcome"))
	assert.Equal(t, "task completed", items[0].Content["event"])
	assert.Equal(t, "deploy", items[0].Content["task"])
}

func TestClose_DrainsActiveAndFailsQueued(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)

	cfg := testDepartmentConfig()
	cfg.MaxConcurrentTasks = 1
	d, err := New(cfg, "engineering", "engineering", s.ID, deps)
	require.NoError(t, err)

	running := NewTask("deploy", "")
	queued := NewTask("build", "")
	require.NoError(t, d.SubmitTask(context.Background(), running))
	require.NoError(t, d.SubmitTask(context.Background(), queued))

	require.NoError(t, d.Close())

	got, err := d.GetTask(running.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)

	dropped, err := d.GetTask(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, dropped.Status)
	assert.Contains(t, dropped.Result.Detail, "department closed")

	rec, err := reg.GetDepartment(d.ID())
	require.NoError(t, err)
	assert.False(t, rec.IsActive)

	assert.ErrorIs(t, d.SubmitTask(context.Background(), NewTask("lint", "")), ErrClosed)
	require.NoError(t, d.Close())
}
