package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	cpSession        string
	cpTags           []string
	cpForce          bool
	cpNoBackup       bool
	cpRestoreGit     bool
	cpRestoreContext bool
	cpOverwrite      bool
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointVerifyCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
	checkpointCmd.AddCommand(checkpointDeleteCmd)

	checkpointCreateCmd.Flags().StringVar(&cpSession, "session", "", "Scope the checkpoint to one session")
	checkpointCreateCmd.Flags().StringSliceVar(&cpTags, "tag", nil, "Tag the checkpoint (repeatable)")

	checkpointListCmd.Flags().StringVar(&cpSession, "session", "", "Filter by session ID")

	checkpointRestoreCmd.Flags().BoolVar(&cpNoBackup, "no-backup", false, "Skip the safety backup before restoring")
	checkpointRestoreCmd.Flags().BoolVar(&cpRestoreGit, "git", false, "Also restore the git branch and commit")
	checkpointRestoreCmd.Flags().BoolVar(&cpRestoreContext, "context", false, "Also restore the context summary")
	checkpointRestoreCmd.Flags().BoolVar(&cpOverwrite, "overwrite", false, "Overwrite live sessions that conflict")

	checkpointDeleteCmd.Flags().BoolVar(&cpForce, "force", false, "Delete even recently created checkpoints")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage checkpoints",
	Long: `Manage directord checkpoints.

Checkpoints snapshot session state, git position, and a context summary so
the system can be rolled back to a known-good point.

Examples:
  # Snapshot the whole system
  dirctl checkpoint create "before release"

  # Snapshot one session with tags
  dirctl checkpoint create "pre-refactor" --session <session-id> --tag refactor

  # Restore registry state plus git position
  dirctl checkpoint restore <checkpoint-id> --git

  # Delete a fresh checkpoint anyway
  dirctl checkpoint delete <checkpoint-id> --force`,
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointCreate,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	RunE:  runCheckpointList,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <checkpoint-id>",
	Short: "Show one checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointShow,
}

var checkpointVerifyCmd = &cobra.Command{
	Use:   "verify <checkpoint-id>",
	Short: "Verify a checkpoint's integrity checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointVerify,
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-id>",
	Short: "Restore system state from a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointRestore,
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <checkpoint-id>",
	Short: "Delete a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointDelete,
}

// Checkpoint matches the checkpoint manager's record, reduced to the
// fields the CLI prints.
type Checkpoint struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	SessionID          string    `json:"sessionId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	Checksum           string    `json:"checksum"`
	Size               int64     `json:"size"`
	RetentionExpiresAt time.Time `json:"retentionExpiresAt"`
	Tags               []string  `json:"tags,omitempty"`
	Snapshot           struct {
		Git struct {
			Branch string `json:"branch,omitempty"`
			Commit string `json:"commit,omitempty"`
		} `json:"git"`
	} `json:"snapshot"`
}

// RestoreResult matches the restore reply.
type RestoreResult struct {
	Success          bool     `json:"success"`
	CheckpointID     string   `json:"checkpointId"`
	RestoredSessions int      `json:"restoredSessions"`
	RestoredBranches int      `json:"restoredBranches"`
	Warnings         []string `json:"warnings,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"name":      args[0],
		"sessionId": cpSession,
		"tags":      cpTags,
	}
	var cp Checkpoint
	if err := apiPost("/api/v1/checkpoints", req, &cp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cp)
	}
	fmt.Printf("Checkpoint created: %s (%s, %d bytes)\n", cp.Name, cp.ID, cp.Size)
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/checkpoints"
	if cpSession != "" {
		path += "?session=" + cpSession
	}
	var cps []Checkpoint
	if err := apiGet(path, &cps); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cps)
	}
	if len(cps) == 0 {
		fmt.Println("No checkpoints.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSESSION\tCREATED\tEXPIRES\tTAGS")
	for _, cp := range cps {
		session := cp.SessionID
		if session == "" {
			session = "(all)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(cp.ID, 14), truncate(cp.Name, 24), truncate(session, 14),
			formatTime(cp.CreatedAt), formatTime(cp.RetentionExpiresAt), strings.Join(cp.Tags, ","))
	}
	return w.Flush()
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	var cp Checkpoint
	if err := apiGet("/api/v1/checkpoints/"+args[0], &cp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cp)
	}
	fmt.Printf("ID:       %s\n", cp.ID)
	fmt.Printf("Name:     %s\n", cp.Name)
	if cp.SessionID != "" {
		fmt.Printf("Session:  %s\n", cp.SessionID)
	}
	fmt.Printf("Created:  %s\n", formatTime(cp.CreatedAt))
	fmt.Printf("Expires:  %s\n", formatTime(cp.RetentionExpiresAt))
	fmt.Printf("Size:     %d bytes\n", cp.Size)
	fmt.Printf("Checksum: %s\n", cp.Checksum)
	if cp.Snapshot.Git.Branch != "" {
		fmt.Printf("Git:      %s @ %s\n", cp.Snapshot.Git.Branch, truncate(cp.Snapshot.Git.Commit, 12))
	}
	if len(cp.Tags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(cp.Tags, ", "))
	}
	return nil
}

func runCheckpointVerify(cmd *cobra.Command, args []string) error {
	var res struct {
		CheckpointID string `json:"checkpointId"`
		Valid        bool   `json:"valid"`
		Detail       string `json:"detail,omitempty"`
	}
	if err := apiGet("/api/v1/checkpoints/"+args[0]+"/verify", &res); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(res)
	}
	if !res.Valid {
		return fmt.Errorf("checkpoint %s is corrupt: %s", res.CheckpointID, res.Detail)
	}
	fmt.Printf("Checkpoint verified: %s\n", res.CheckpointID)
	return nil
}

func runCheckpointRestore(cmd *cobra.Command, args []string) error {
	backup := !cpNoBackup
	req := map[string]any{
		"backupFirst":    backup,
		"restoreGit":     cpRestoreGit,
		"restoreContext": cpRestoreContext,
		"overwrite":      cpOverwrite,
	}
	var res RestoreResult
	if err := apiPost("/api/v1/checkpoints/"+args[0]+"/restore", req, &res); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(res)
	}
	fmt.Printf("Restored checkpoint %s: %d session(s), %d branch(es)\n",
		res.CheckpointID, res.RestoredSessions, res.RestoredBranches)
	for _, warning := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
	if !res.Success {
		return fmt.Errorf("restore completed with errors")
	}
	return nil
}

func runCheckpointDelete(cmd *cobra.Command, args []string) error {
	path := "/api/v1/checkpoints/" + args[0]
	if cpForce {
		path += "?force=true"
	}
	if err := apiDelete(path); err != nil {
		return err
	}
	fmt.Printf("Checkpoint deleted: %s\n", args[0])
	return nil
}
