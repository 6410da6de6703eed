package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	departmentDomain  string
	departmentSession string
)

func init() {
	rootCmd.AddCommand(departmentCmd)
	departmentCmd.AddCommand(departmentCreateCmd)
	departmentCmd.AddCommand(departmentListCmd)
	departmentCmd.AddCommand(departmentMetricsCmd)

	departmentCreateCmd.Flags().StringVar(&departmentDomain, "domain", "", "Department domain, e.g. engineering (required)")
	departmentCreateCmd.Flags().StringVar(&departmentSession, "session", "", "Owning session ID (required)")
	_ = departmentCreateCmd.MarkFlagRequired("domain")
	_ = departmentCreateCmd.MarkFlagRequired("session")
}

var departmentCmd = &cobra.Command{
	Use:   "department",
	Short: "Manage department executors",
	Long: `Manage department executors.

Departments are task workers bound to a session. They subscribe to the
message bus and execute commands dispatched by the director.

Examples:
  # Start a department for a session
  dirctl department create engineering --domain engineering --session <session-id>

  # List registered departments
  dirctl department list

  # Live task metrics for one department
  dirctl department metrics engineering`,
}

var departmentCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a department executor",
	Args:  cobra.ExactArgs(1),
	RunE:  runDepartmentCreate,
}

var departmentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered departments",
	RunE:  runDepartmentList,
}

var departmentMetricsCmd = &cobra.Command{
	Use:   "metrics <name>",
	Short: "Show live metrics for a hosted department",
	Args:  cobra.ExactArgs(1),
	RunE:  runDepartmentMetrics,
}

// Department matches the registry department record.
type Department struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	SessionID   string `json:"session_id"`
	IsActive    bool   `json:"is_active"`
	CurrentTask string `json:"current_task,omitempty"`
	Performance struct {
		TasksCompleted int     `json:"tasks_completed"`
		TasksFailed    int     `json:"tasks_failed"`
		AvgDurationMs  float64 `json:"avg_duration_ms"`
		SuccessRate    float64 `json:"success_rate"`
	} `json:"performance"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DepartmentMetrics matches the executor's live task counters.
type DepartmentMetrics struct {
	TasksCompleted int     `json:"tasksCompleted"`
	TasksFailed    int     `json:"tasksFailed"`
	TasksActive    int     `json:"tasksActive"`
	TasksQueued    int     `json:"tasksQueued"`
	AvgDurationMs  float64 `json:"avgDurationMs"`
	SuccessRate    float64 `json:"successRate"`
}

func runDepartmentCreate(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"name":      args[0],
		"domain":    departmentDomain,
		"sessionId": departmentSession,
	}
	var resp struct {
		Department Department        `json:"department"`
		Metrics    DepartmentMetrics `json:"metrics"`
	}
	if err := apiPost("/api/v1/departments", req, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(resp)
	}
	fmt.Printf("Department created: %s (%s, session %s)\n",
		resp.Department.Name, resp.Department.ID, resp.Department.SessionID)
	return nil
}

func runDepartmentList(cmd *cobra.Command, args []string) error {
	var departments []Department
	if err := apiGet("/api/v1/departments", &departments); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(departments)
	}
	if len(departments) == 0 {
		fmt.Println("No departments registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDOMAIN\tSESSION\tACTIVE\tDONE\tFAILED\tSUCCESS")
	for _, d := range departments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%.0f%%\n",
			truncate(d.Name, 20), d.Domain, truncate(d.SessionID, 14), d.IsActive,
			d.Performance.TasksCompleted, d.Performance.TasksFailed, d.Performance.SuccessRate*100)
	}
	return w.Flush()
}

func runDepartmentMetrics(cmd *cobra.Command, args []string) error {
	var metrics DepartmentMetrics
	if err := apiGet("/api/v1/departments/"+args[0]+"/metrics", &metrics); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(metrics)
	}
	fmt.Printf("Department: %s\n", args[0])
	fmt.Printf("Completed:  %d\n", metrics.TasksCompleted)
	fmt.Printf("Failed:     %d\n", metrics.TasksFailed)
	fmt.Printf("Active:     %d\n", metrics.TasksActive)
	fmt.Printf("Queued:     %d\n", metrics.TasksQueued)
	fmt.Printf("Avg (ms):   %.1f\n", metrics.AvgDurationMs)
	fmt.Printf("Success:    %.0f%%\n", metrics.SuccessRate*100)
	return nil
}
