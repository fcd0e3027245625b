// repackctl is the operator CLI for a running repackaging service: list
// jobs, inspect one, cancel, and force a reap cycle, all over the HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	addr    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "repackctl",
	Short:   "Operate a running dify-plugin-repackaging service",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("REPACK_ADDR", "http://localhost:8080"),
		"base URL of the service")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(reapCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return printJSON(http.MethodGet, fmt.Sprintf("/tasks?limit=%d", limit), nil)
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List completed jobs with downloadable outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return printJSON(http.MethodGet, fmt.Sprintf("/files?limit=%d", limit), nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodGet, "/tasks/"+args[0], nil)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodDelete, "/tasks/"+args[0], nil)
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run a retention reap cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodPost, "/admin/reap", nil)
	},
}

func init() {
	listCmd.Flags().Int("limit", 50, "maximum jobs to list")
	filesCmd.Flags().Int("limit", 50, "maximum jobs to list")
}

func printJSON(method, path string, body io.Reader) error {
	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(method, strings.TrimRight(addr, "/")+path, body)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
