// Package monitor renders a terminal dashboard over the directord HTTP
// API: sessions, workflows, bus depth, checkpoints, and context conflicts,
// refreshed on a tick.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxRows         = 8
)

// Lipgloss styles (k9s-inspired color scheme, as elsewhere in the project)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// Model is the BubbleTea dashboard model.
type Model struct {
	serverURL  string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   StatsSnapshot
	pending    []float64
	progress   progress.Model
	err        error
	quitting   bool
}

// NewModel creates a dashboard polling the daemon at serverURL.
func NewModel(serverURL string, interval time.Duration) Model {
	return Model{
		serverURL: serverURL,
		interval:  interval,
		pending:   make([]float64, 0, historySize),
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(16), progress.WithoutPercentage()),
	}
}

type tickMsg time.Time
type statsMsg StatsSnapshot
type errMsg error

// Init starts the poll loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStats(m.serverURL),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStats(serverURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		snap, err := NewStatsClient(serverURL).FetchStats(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statsMsg(snap)
	}
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStats(m.serverURL)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStats(m.serverURL),
		)

	case statsMsg:
		m.snapshot = StatsSnapshot(msg)
		m.pending = appendToHistory(m.pending, float64(m.snapshot.Bus.Pending))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" directord Monitor ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach directord") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Is the daemon running? Start it with:") + "\n"
	content += dimStyle.Render("  directord -config ~/.config/directord/config.yaml") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// workflowStatusBadge colors a workflow status like the rest of the scheme.
func workflowStatusBadge(status string) string {
	switch status {
	case "completed":
		return healthyStyle.Render(status)
	case "running", "pending":
		return warningStyle.Render(status)
	case "failed", "rolled_back":
		return errorStyle.Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func sessionStatusBadge(status string) string {
	switch status {
	case "active", "completed":
		return healthyStyle.Render(status)
	case "initializing", "idle":
		return warningStyle.Render(status)
	case "error", "terminated":
		return errorStyle.Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func (m Model) renderDashboard() string {
	now := time.Now()
	snap := m.snapshot

	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	content += headerStyle.Render(" directord Monitor ") + "\n"
	content += fmt.Sprintf("%s %s   %s %s   %s\n",
		dimStyle.Render("Sessions:"),
		valueStyle.Render(fmt.Sprintf("%d/%d active", snap.Registry.ActiveSessions, snap.Registry.TotalSessions)),
		dimStyle.Render("Departments:"),
		valueStyle.Render(fmt.Sprintf("%d/%d active", snap.Registry.ActiveDepartments, snap.Registry.TotalDepartments)),
		dimStyle.Render(lastUpdateStr),
	)

	// Message bus section with pending-depth sparkline
	content += "\n" + sectionStyle.Render("┃ Message Bus") + "\n"
	content += labelStyle.Render("  Pending: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Bus.Pending)) +
		"   " + createSparkline(m.pending) + "\n"
	content += labelStyle.Render("  Published: ") + valueStyle.Render(FormatCount(snap.Bus.Published)) +
		labelStyle.Render("  Processed: ") + valueStyle.Render(FormatCount(snap.Bus.Processed)) +
		labelStyle.Render("  Rejected: ") + valueStyle.Render(FormatCount(snap.Bus.Rejected)) +
		labelStyle.Render("  Subscribers: ") + valueStyle.Render(fmt.Sprintf("%d", snap.Bus.Subscribers)) + "\n"

	// Sessions
	content += "\n" + sectionStyle.Render("┃ Sessions") + "\n"
	if len(snap.Sessions) == 0 {
		content += dimStyle.Render("  none") + "\n"
	}
	for i, s := range snap.Sessions {
		if i >= maxRows {
			content += dimStyle.Render(fmt.Sprintf("  … %d more", len(snap.Sessions)-maxRows)) + "\n"
			break
		}
		content += fmt.Sprintf("  %s %s %s\n",
			valueStyle.Render(Truncate(s.Name, 24)),
			dimStyle.Render(Truncate(s.ID, 12)),
			sessionStatusBadge(s.Status),
		)
	}

	// Workflows
	content += "\n" + sectionStyle.Render(fmt.Sprintf("┃ Workflows (%d active)", snap.ActiveWorkflows)) + "\n"
	if len(snap.Workflows) == 0 {
		content += dimStyle.Render("  none") + "\n"
	}
	workflows := append([]WorkflowRow(nil), snap.Workflows...)
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	for i, w := range workflows {
		if i >= maxRows {
			content += dimStyle.Render(fmt.Sprintf("  … %d more", len(workflows)-maxRows)) + "\n"
			break
		}
		percent := 0.0
		if len(w.Steps) > 0 {
			percent = float64(w.CurrentStep) / float64(len(w.Steps))
		}
		line := fmt.Sprintf("  %s %s %s %s",
			valueStyle.Render(Truncate(w.Name, 24)),
			m.progress.ViewAs(percent),
			dimStyle.Render(FormatProgress(w.CurrentStep, len(w.Steps))),
			workflowStatusBadge(w.Status),
		)
		if w.LastError != "" {
			line += " " + errorStyle.Render(Truncate(w.LastError, 32))
		}
		content += line + "\n"
	}

	// Checkpoints
	content += "\n" + sectionStyle.Render("┃ Checkpoints") + "\n"
	if len(snap.Checkpoints) == 0 {
		content += dimStyle.Render("  none") + "\n"
	}
	for i, cp := range snap.Checkpoints {
		if i >= maxRows {
			content += dimStyle.Render(fmt.Sprintf("  … %d more", len(snap.Checkpoints)-maxRows)) + "\n"
			break
		}
		content += fmt.Sprintf("  %s %s %s\n",
			valueStyle.Render(Truncate(cp.Name, 28)),
			dimStyle.Render(Truncate(cp.ID, 12)),
			dimStyle.Render(FormatAge(cp.CreatedAt, now)+" ago"),
		)
	}

	// Context conflicts
	content += "\n" + sectionStyle.Render("┃ Context") + "\n"
	conflictBadge := healthyStyle.Render("0")
	if snap.ContextConflicts > 0 {
		conflictBadge = warningStyle.Render(fmt.Sprintf("%d", snap.ContextConflicts))
	}
	content += labelStyle.Render("  Conflicts: ") + conflictBadge + "\n"

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}
