package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	ctxItemType   string
	ctxImportance float64
	ctxConfidence float64
	ctxTags       []string
	ctxLimit      int
)

func init() {
	rootCmd.AddCommand(contextCmd)
	contextCmd.AddCommand(contextAddCmd)
	contextCmd.AddCommand(contextListCmd)
	contextCmd.AddCommand(contextSearchCmd)

	contextAddCmd.Flags().StringVar(&ctxItemType, "type", "knowledge", "Item type: task, decision, knowledge, or conversation")
	contextAddCmd.Flags().Float64Var(&ctxImportance, "importance", 0.5, "Importance score (0-1)")
	contextAddCmd.Flags().Float64Var(&ctxConfidence, "confidence", 1.0, "Confidence score (0-1)")
	contextAddCmd.Flags().StringSliceVar(&ctxTags, "tag", nil, "Tag the item (repeatable)")

	contextSearchCmd.Flags().IntVar(&ctxLimit, "limit", 5, "Maximum number of results")
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage shared session context",
	Long: `Manage a session's shared context window.

Examples:
  # Record a decision
  dirctl context add <session-id> '{"text": "switch to b-tree index"}' --type decision --importance 0.9

  # List the window
  dirctl context list <session-id>

  # Semantic search across the session
  dirctl context search <session-id> "index strategy"`,
}

var contextAddCmd = &cobra.Command{
	Use:   "add <session-id> <content-json>",
	Short: "Add an item to a session's context window",
	Args:  cobra.ExactArgs(2),
	RunE:  runContextAdd,
}

var contextListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List a session's context items",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextList,
}

var contextSearchCmd = &cobra.Command{
	Use:   "search <session-id> <query>",
	Short: "Semantic search over a session's context",
	Args:  cobra.ExactArgs(2),
	RunE:  runContextSearch,
}

// ContextItem matches the context store's item record.
type ContextItem struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	Type       string         `json:"type"`
	Content    map[string]any `json:"content"`
	Importance float64        `json:"importance"`
	Confidence float64        `json:"confidence"`
	Tags       []string       `json:"tags,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ContextSearchResult matches one semantic search hit.
type ContextSearchResult struct {
	ItemID     string  `json:"itemId"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

func runContextAdd(cmd *cobra.Command, args []string) error {
	var content map[string]any
	if err := json.Unmarshal([]byte(args[1]), &content); err != nil {
		return fmt.Errorf("content must be a JSON object: %w", err)
	}

	req := map[string]any{
		"type":       ctxItemType,
		"content":    content,
		"importance": ctxImportance,
		"confidence": ctxConfidence,
		"tags":       ctxTags,
	}
	var item ContextItem
	if err := apiPost("/api/v1/context/"+args[0], req, &item); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(item)
	}
	fmt.Printf("Context item added: %s (%s, importance %.2f)\n", item.ID, item.Type, item.Importance)
	return nil
}

func runContextList(cmd *cobra.Command, args []string) error {
	var items []ContextItem
	if err := apiGet("/api/v1/context/"+args[0], &items); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("No context items.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tIMPORTANCE\tAGE\tCONTENT")
	now := time.Now()
	for _, item := range items {
		preview, _ := json.Marshal(item.Content)
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n",
			truncate(item.ID, 14), item.Type, item.Importance,
			now.Sub(item.Timestamp).Round(time.Second), truncate(string(preview), 48))
	}
	return w.Flush()
}

func runContextSearch(cmd *cobra.Command, args []string) error {
	path := "/api/v1/context/" + args[0] + "/search?q=" + url.QueryEscape(args[1]) +
		"&limit=" + strconv.Itoa(ctxLimit)
	var results []ContextSearchResult
	if err := apiGet(path, &results); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for i, res := range results {
		fmt.Printf("%d. [%.3f] %s\n   %s\n", i+1, res.Similarity, res.ItemID, truncate(res.Content, 120))
	}
	return nil
}
