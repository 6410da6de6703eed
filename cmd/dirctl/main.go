// Package main implements the dirctl CLI for manual operations against the
// directord HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the directord HTTP server
	serverURL string
	// outputJSON switches table output to raw JSON
	outputJSON bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dirctl",
	Short: "CLI for directord HTTP server operations",
	Long: `dirctl is a command-line interface for interacting with the directord server.
It provides commands for sessions, workflows, departments, checkpoints,
shared context, and a live terminal dashboard.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8420", "directord server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check directord server health",
	Long: `Check the health status of the directord HTTP server.

Examples:
  # Check health
  dirctl health

  # Check health on a different server
  dirctl health --server http://localhost:8080`,
	RunE: runHealth,
}

// HealthResponse matches pkg/server HealthResponse, reduced to the fields
// the CLI prints.
type HealthResponse struct {
	Status   string `json:"status"`
	Registry struct {
		State          string  `json:"state"`
		ActiveSessions int     `json:"active_sessions"`
		TotalSessions  int     `json:"total_sessions"`
		SessionLoad    float64 `json:"session_load"`
		QueueDepth     int     `json:"queue_depth"`
	} `json:"registry"`
	Bus struct {
		Published uint64 `json:"published"`
		Processed uint64 `json:"processed"`
		Pending   int    `json:"pending"`
	} `json:"bus"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp HealthResponse
	if err := apiGet("/health", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to reach %s: %v\n", serverURL, err)
		return err
	}
	if outputJSON {
		return printJSON(resp)
	}
	fmt.Printf("Server Status: %s\n", resp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	fmt.Printf("Sessions: %d/%d active (load %.2f)\n",
		resp.Registry.ActiveSessions, resp.Registry.TotalSessions, resp.Registry.SessionLoad)
	fmt.Printf("Bus: %d published, %d processed, %d pending\n",
		resp.Bus.Published, resp.Bus.Processed, resp.Bus.Pending)
	return nil
}

// newClient builds the HTTP client all commands share.
func newClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// apiGet fetches a JSON resource from the server into out.
func apiGet(path string, out any) error {
	url := serverURL + path
	resp, err := newClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiPost sends a JSON body and decodes the JSON reply into out. Any of the
// expected status codes is accepted.
func apiPost(path string, body, out any, expect ...int) error {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := newClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if len(expect) == 0 {
		expect = []int{http.StatusOK, http.StatusCreated}
	}
	if err := checkStatus(resp, expect...); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiDelete issues a DELETE and expects 204.
func apiDelete(path string) error {
	url := serverURL + path
	httpReq, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := newClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

func checkStatus(resp *http.Response, expect ...int) error {
	for _, code := range expect {
		if resp.StatusCode == code {
			return nil
		}
	}
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

// printJSON pretty-prints any value to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s for table cells.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// formatTime renders timestamps for table cells.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
