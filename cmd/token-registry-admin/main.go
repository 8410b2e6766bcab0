// Package main is the entry point for the token registry admin CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverURL string
	output    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "token-registry-admin",
		Short: "Admin CLI for the token registry",
		Long:  `A command-line tool for inspecting token statistics, revoking tokens, and running maintenance sweeps against a token registry server.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8084", "Token registry server URL")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	// Stats commands
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Inspect per-user token statistics",
	}

	statsGetCmd := &cobra.Command{
		Use:   "get <subject>",
		Short: "Get token statistics for a subject",
		Args:  cobra.ExactArgs(1),
		RunE:  getStats,
	}
	statsGetCmd.Flags().Bool("fresh", false, "Bypass the stats cache")

	statsAggregateCmd := &cobra.Command{
		Use:   "aggregate <subject>...",
		Short: "Aggregate statistics across subjects",
		Args:  cobra.MinimumNArgs(1),
		RunE:  aggregateStats,
	}

	statsCmd.AddCommand(statsGetCmd, statsAggregateCmd)

	// Revocation commands
	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke tokens",
	}

	revokeAllCmd := &cobra.Command{
		Use:   "all <subject>",
		Short: "Revoke every token of a subject",
		Args:  cobra.ExactArgs(1),
		RunE:  revokeAll,
	}

	revokeDeviceCmd := &cobra.Command{
		Use:   "device <subject> <device>",
		Short: "Revoke a subject's tokens for one device",
		Args:  cobra.ExactArgs(2),
		RunE:  revokeDevice,
	}

	revokeCmd.AddCommand(revokeAllCmd, revokeDeviceCmd)

	// Maintenance commands
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run an orphan index sweep now",
		RunE:  runCleanup,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check server readiness",
		RunE:  checkHealth,
	}

	// Token utilities
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Token utilities",
	}

	tokenGenerateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate random token strings",
		RunE:  generateTokens,
	}
	tokenGenerateCmd.Flags().IntP("count", "n", 1, "Number of tokens to generate")

	tokenCmd.AddCommand(tokenGenerateCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("token-registry-admin %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}

	rootCmd.AddCommand(statsCmd, revokeCmd, cleanupCmd, healthCmd, tokenCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// doRequest performs an HTTP request against the registry server and
// decodes the JSON response.
func doRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	url := strings.TrimSuffix(serverURL, "/") + path

	var req *http.Request
	var err error

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req, err = http.NewRequest(method, url, strings.NewReader(string(jsonBody)))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result map[string]interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		if msg, ok := result["error"].(string); ok {
			return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("server error: %d", resp.StatusCode)
	}

	return result, nil
}

// printJSON writes the result as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getStats(cmd *cobra.Command, args []string) error {
	path := "/stats/" + args[0]
	if fresh, _ := cmd.Flags().GetBool("fresh"); fresh {
		path += "?fresh=true"
	}

	result, err := doRequest("GET", path, nil)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tACTIVE\tTOTAL\tDEVICES\tESTIMATED")
	fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%v\n",
		args[0],
		result["active"],
		result["total"],
		result["devices"],
		result["estimated"],
	)
	return w.Flush()
}

func aggregateStats(cmd *cobra.Command, args []string) error {
	result, err := doRequest("POST", "/stats/aggregate", map[string]interface{}{
		"subjects": args,
	})
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECTS\tACTIVE\tTOKENS\tDEVICES\tMEAN ACTIVE\tMEAN DEVICES")
	fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
		result["subjects"],
		result["totalActive"],
		result["totalTokens"],
		result["totalDevices"],
		result["meanActive"],
		result["meanDevices"],
	)
	return w.Flush()
}

func revokeAll(cmd *cobra.Command, args []string) error {
	result, err := doRequest("DELETE", "/subjects/"+args[0]+"/tokens", nil)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	fmt.Printf("Revoked %v token(s) for subject %s\n", result["revoked"], args[0])
	return nil
}

func revokeDevice(cmd *cobra.Command, args []string) error {
	result, err := doRequest("DELETE", "/subjects/"+args[0]+"/devices/"+args[1]+"/tokens", nil)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	fmt.Printf("Revoked %v token(s) for subject %s device %s\n", result["revoked"], args[0], args[1])
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	result, err := doRequest("POST", "/cleanup", nil)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	fmt.Printf("Removed %v orphaned index entries\n", result["removed"])
	return nil
}

func checkHealth(cmd *cobra.Command, args []string) error {
	result, err := doRequest("GET", "/readyz", nil)
	if err != nil {
		return err
	}

	fmt.Printf("Server status: %v\n", result["status"])
	return nil
}

func generateTokens(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	for i := 0; i < count; i++ {
		fmt.Println(uuid.NewString())
	}
	return nil
}
