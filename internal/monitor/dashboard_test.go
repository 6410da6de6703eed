package monitor

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestNewModel(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)
	assert.Equal(t, "http://localhost:8420", model.serverURL)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
}

func TestModel_Init(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)

	keyMsg := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}
	updated, cmd := model.Update(keyMsg)

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshKey(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)

	keyMsg := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}}
	updated, cmd := model.Update(keyMsg)

	m := updated.(Model)
	assert.False(t, m.quitting)
	assert.NotNil(t, cmd)
}

func TestModel_Update_TickMsg(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)

	updated, cmd := model.Update(tickMsg(time.Now()))

	assert.NotNil(t, cmd)
	assert.False(t, updated.(Model).quitting)
}

func TestModel_Update_StatsMsg(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)

	snap := StatsSnapshot{
		Bus:      BusStats{Pending: 7, Published: 12},
		Registry: RegistryStats{TotalSessions: 2, ActiveSessions: 1},
		Sessions: []SessionRow{{ID: "s-1", Name: "alpha", Status: "active"}},
		Workflows: []WorkflowRow{
			{ID: "w-1", Name: "release", Status: "running", CurrentStep: 1},
		},
	}
	updated, _ := model.Update(statsMsg(snap))

	m := updated.(Model)
	assert.Equal(t, 7, m.snapshot.Bus.Pending)
	assert.Equal(t, []float64{7}, m.pending)
	assert.Nil(t, m.err)
	assert.False(t, m.lastUpdate.IsZero())

	view := m.View()
	assert.Contains(t, view, "alpha")
	assert.Contains(t, view, "release")
	assert.Contains(t, view, "running")
}

func TestModel_Update_StatsMsg_HistoryBounded(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)

	var m tea.Model = model
	for i := 0; i < historySize+10; i++ {
		m, _ = m.(Model).Update(statsMsg(StatsSnapshot{Bus: BusStats{Pending: i}}))
	}
	assert.Len(t, m.(Model).pending, historySize)
}

func TestModel_Update_ErrMsg(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)

	updated, _ := model.Update(errMsg(errors.New("connection refused")))

	m := updated.(Model)
	assert.Error(t, m.err)
	assert.Contains(t, m.View(), "connection refused")
}

func TestWorkflowStatusBadge(t *testing.T) {
	// Badges embed the status text regardless of styling.
	for _, status := range []string{"completed", "running", "failed", "rolled_back", "pending", "unknown"} {
		assert.Contains(t, workflowStatusBadge(status), status)
	}
}
