package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"authguard/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live statistics from a running monitor",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8081", "API server URL")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	stats, err := fetchStats(ctx, apiURL)
	if err != nil {
		return fmt.Errorf("failed to fetch stats: %w", err)
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	case "yaml":
		return yaml.NewEncoder(out).Encode(stats)
	case "table":
		printStats(out, stats)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func fetchStats(ctx context.Context, apiURL string) (model.SecurityStats, error) {
	var stats model.SecurityStats
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/stats", nil)
	if err != nil {
		return stats, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	return stats, err
}

func printStats(w io.Writer, s model.SecurityStats) {
	bf := "no"
	if s.BruteForceDetected {
		bf = "YES"
	}
	fmt.Fprintf(w, "Security status (%s)\n", humanize.Time(s.GeneratedAt))
	fmt.Fprintf(w, "  Failed attempts   : %s\n", humanize.Comma(s.FailedPasswordAttempts))
	fmt.Fprintf(w, "  Last minute/hour  : %d / %d\n", s.AttemptsLastMinute, s.AttemptsLastHour)
	fmt.Fprintf(w, "  Brute force       : %s\n", bf)
	fmt.Fprintf(w, "  Blocked           : %d origins, %d devices\n", s.BlockedOrigins, s.BlockedDevices)
	if s.ActiveLockouts > 0 {
		remaining := time.Duration(s.LockoutRemainingSeconds * float64(time.Second))
		fmt.Fprintf(w, "  Lockouts          : %d (longest %s left)\n", s.ActiveLockouts, remaining.Round(time.Second))
	}
	fmt.Fprintf(w, "  Sessions          : %d active across %d origins\n", s.ActiveSessions, s.ConcurrentOrigins)
	fmt.Fprintf(w, "  Events retained   : %s\n", humanize.Comma(int64(s.TotalEvents)))
	fmt.Fprintf(w, "  Active alerts     : %d\n", s.ActiveAlerts)
}
