package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/directord/internal/monitor"
)

var monitorInterval time.Duration

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 2*time.Second, "Refresh interval")
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal dashboard",
	Long: `Open a live dashboard over the directord stats feed: sessions,
workflows, bus depth, checkpoints, and context conflicts.

Examples:
  # Watch the local daemon
  dirctl monitor

  # Slower refresh against a remote daemon
  dirctl monitor --server http://10.0.0.4:8420 --interval 5s`,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	model := monitor.NewModel(serverURL, monitorInterval)
	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("monitor error: %w", err)
	}
	return nil
}
