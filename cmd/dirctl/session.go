package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	sessionType      string
	sessionWorkspace string
	sessionBranch    string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionTerminateCmd)

	sessionCreateCmd.Flags().StringVar(&sessionType, "type", "worker", "Session type: director or worker")
	sessionCreateCmd.Flags().StringVar(&sessionWorkspace, "workspace", "", "Workspace path")
	sessionCreateCmd.Flags().StringVar(&sessionBranch, "branch", "", "Git branch")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
	Long: `Manage directord sessions.

Examples:
  # Register a new worker session
  dirctl session create builder --type worker

  # List all sessions
  dirctl session list

  # Terminate a session and its departments
  dirctl session terminate <session-id>`,
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCreate,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sessions",
	RunE:  runSessionList,
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionGet,
}

var sessionTerminateCmd = &cobra.Command{
	Use:   "terminate <session-id>",
	Short: "Terminate a session and cascade to its departments",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionTerminate,
}

// Session matches the registry session record.
type Session struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Name         string            `json:"name"`
	Workspace    string            `json:"workspace,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"type":      sessionType,
		"name":      args[0],
		"workspace": sessionWorkspace,
		"branch":    sessionBranch,
	}
	var sess Session
	if err := apiPost("/api/v1/sessions", req, &sess); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(sess)
	}
	fmt.Printf("Session created: %s (%s)\n", sess.ID, sess.Status)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	var sessions []Session
	if err := apiGet("/api/v1/sessions", &sessions); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tLAST ACTIVITY")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(s.ID, 14), truncate(s.Name, 24), s.Type, s.Status, formatTime(s.LastActivity))
	}
	return w.Flush()
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	var sess Session
	if err := apiGet("/api/v1/sessions/"+args[0], &sess); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(sess)
	}
	fmt.Printf("ID:            %s\n", sess.ID)
	fmt.Printf("Name:          %s\n", sess.Name)
	fmt.Printf("Type:          %s\n", sess.Type)
	fmt.Printf("Status:        %s\n", sess.Status)
	if sess.Workspace != "" {
		fmt.Printf("Workspace:     %s\n", sess.Workspace)
	}
	if sess.Branch != "" {
		fmt.Printf("Branch:        %s\n", sess.Branch)
	}
	fmt.Printf("Created:       %s\n", formatTime(sess.CreatedAt))
	fmt.Printf("Last Activity: %s\n", formatTime(sess.LastActivity))
	return nil
}

func runSessionTerminate(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/api/v1/sessions/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Session terminated: %s\n", args[0])
	return nil
}
