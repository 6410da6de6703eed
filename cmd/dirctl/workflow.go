package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/directord/internal/director"
)

var (
	workflowSpecFile string
	workflowSession  string
	workflowStart    bool
)

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowCreateCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowStartCmd)

	workflowCreateCmd.Flags().StringVarP(&workflowSpecFile, "file", "f", "", "TOML workflow spec file (required)")
	workflowCreateCmd.Flags().BoolVar(&workflowStart, "start", false, "Start the workflow immediately after creating it")
	_ = workflowCreateCmd.MarkFlagRequired("file")

	workflowListCmd.Flags().StringVar(&workflowSession, "session", "", "Filter by session ID")
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows",
	Long: `Manage directord workflows.

Workflows are ordered step sequences (execute, verify, checkpoint, rollback)
defined in TOML and executed by the director with quality gates and retries.

Examples:
  # Create a workflow from a spec file
  dirctl workflow create -f release.toml

  # Create and start in one go
  dirctl workflow create -f release.toml --start

  # Watch a workflow
  dirctl workflow status <workflow-id>`,
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a workflow from a TOML spec",
	RunE:  runWorkflowCreate,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE:  runWorkflowList,
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow and its step progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStatus,
}

var workflowStartCmd = &cobra.Command{
	Use:   "start <workflow-id>",
	Short: "Start a pending workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStart,
}

// Workflow matches the director's workflow record.
type Workflow struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	Name        string          `json:"name"`
	Steps       []director.Step `json:"steps"`
	Status      string          `json:"status"`
	CurrentStep int             `json:"currentStep"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

func runWorkflowCreate(cmd *cobra.Command, args []string) error {
	spec, err := director.LoadSpec(workflowSpecFile)
	if err != nil {
		return err
	}

	req := map[string]any{
		"sessionId": spec.Session,
		"name":      spec.Name,
		"steps":     spec.ToSteps(),
	}
	var wf Workflow
	if err := apiPost("/api/v1/workflows", req, &wf); err != nil {
		return err
	}

	if workflowStart {
		if err := apiPost("/api/v1/workflows/"+wf.ID+"/start", struct{}{}, &wf); err != nil {
			return fmt.Errorf("workflow %s created but failed to start: %w", wf.ID, err)
		}
	}
	if outputJSON {
		return printJSON(wf)
	}
	fmt.Printf("Workflow created: %s (%s, %d steps)\n", wf.ID, wf.Status, len(wf.Steps))
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/workflows"
	if workflowSession != "" {
		path += "?session=" + workflowSession
	}
	var workflows []Workflow
	if err := apiGet(path, &workflows); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(workflows)
	}
	if len(workflows) == 0 {
		fmt.Println("No workflows.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSESSION\tSTATUS\tPROGRESS\tCREATED")
	for _, wf := range workflows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncate(wf.ID, 14), truncate(wf.Name, 24), truncate(wf.SessionID, 14),
			wf.Status, wf.CurrentStep, len(wf.Steps), formatTime(wf.CreatedAt))
	}
	return w.Flush()
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	var wf Workflow
	if err := apiGet("/api/v1/workflows/"+args[0], &wf); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(wf)
	}

	fmt.Printf("Workflow: %s (%s)\n", wf.Name, wf.ID)
	fmt.Printf("Session:  %s\n", wf.SessionID)
	fmt.Printf("Status:   %s\n", wf.Status)
	fmt.Printf("Progress: %d/%d\n", wf.CurrentStep, len(wf.Steps))
	if wf.LastError != "" {
		fmt.Printf("Error:    %s\n", wf.LastError)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\n#\tSTEP\tTYPE\tTARGET\tGATES")
	for i, step := range wf.Steps {
		marker := " "
		switch {
		case i < wf.CurrentStep:
			marker = "✓"
		case i == wf.CurrentStep && wf.Status == "running":
			marker = "▶"
		}
		fmt.Fprintf(w, "%s %d\t%s\t%s\t%s\t%d\n",
			marker, i+1, step.ID, step.Type, step.Target, len(step.QualityGates))
	}
	return w.Flush()
}

func runWorkflowStart(cmd *cobra.Command, args []string) error {
	var wf Workflow
	if err := apiPost("/api/v1/workflows/"+args[0]+"/start", struct{}{}, &wf); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(wf)
	}
	fmt.Printf("Workflow started: %s (%s)\n", wf.ID, wf.Status)
	return nil
}
