package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/service"
	"github.com/fyrsmithlabs/recalld/internal/tiers"
)

// statsCmd dumps storage and lifecycle counters
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage and lifecycle statistics",
	Long: `Show recalld storage and lifecycle statistics.

Examples:
  # Show stats
  recallctl stats

  # From a different server
  recallctl stats --server http://localhost:8080`,
	RunE: runStats,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check recalld server health",
	Long: `Check the health of the recalld server's dependencies.

Exits non-zero when any dependency is down. Backlog gauges report
rows awaiting re-embedding and rows quarantined by the sweeper.

Examples:
  # Check health
  recallctl health`,
	RunE: runHealth,
}

// sweepCmd forces a full lifecycle sweep
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Force a full lifecycle sweep",
	Long: `Force an immediate full sweep: tier migration, eviction, and
duplicate consolidation run over every row regardless of the periodic
batch budget.

Examples:
  # Sweep now
  recallctl sweep`,
	RunE: runSweep,
}

var (
	statsJSON bool
	sweepJSON bool
)

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output raw JSON")
	sweepCmd.Flags().BoolVar(&sweepJSON, "json", false, "output raw JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats service.Stats
	if err := api(http.MethodGet, "/v1/stats", nil, &stats); err != nil {
		return err
	}

	if statsJSON || stats.Stats == nil || stats.Relational == nil {
		return outputJSON(stats)
	}

	fmt.Printf("Total memories: %d\n", stats.Relational.Total)
	for _, tier := range memory.Tiers {
		if ts, ok := stats.Relational.ByTier[tier]; ok {
			fmt.Printf("  %-10s %d\n", string(tier)+":", ts.Count)
		}
	}
	fmt.Printf("Pending embeddings: %d\n", stats.Relational.Pending)
	fmt.Printf("Quarantined: %d\n", stats.Relational.Quarantined)
	fmt.Printf("Touches dropped: %d\n", stats.TouchesDropped)
	fmt.Printf("Sweeps: %d (migrated %d, merged %d, evicted %d)\n",
		stats.Lifecycle.Sweeps,
		stats.Lifecycle.MigratedToSession+stats.Lifecycle.MigratedToLongTerm,
		stats.Lifecycle.Merged,
		stats.Lifecycle.Evicted)
	return nil
}

// runHealth handles the health command. Unlike the other commands it
// reads the body on 503 too: a degraded server still answers.
func runHealth(cmd *cobra.Command, args []string) error {
	url := serverURL + "/healthz"

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var h service.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Relational: %s\n", okString(h.RelationalOK))
	fmt.Printf("Vector:     %s\n", okString(h.VectorOK))
	fmt.Printf("Embedder:   %s\n", okString(h.EmbedderOK))
	fmt.Printf("Pending embeddings: %d\n", h.PendingEmbeddings)
	fmt.Printf("Quarantined: %d\n", h.Quarantined)

	if !h.OK() {
		return fmt.Errorf("server unhealthy")
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	var report tiers.SweepReport
	if err := api(http.MethodPost, "/v1/admin/sweep", nil, &report); err != nil {
		return err
	}

	if sweepJSON {
		return outputJSON(report)
	}

	fmt.Printf("Scanned: %d\n", report.Scanned)
	fmt.Printf("Migrated to session: %d\n", report.MigratedToSession)
	fmt.Printf("Migrated to long_term: %d\n", report.MigratedToLongTerm)
	fmt.Printf("Merged: %d\n", report.Merged)
	fmt.Printf("Evicted: %d\n", report.Evicted)
	fmt.Printf("Errors: %d (quarantined %d)\n", report.Errors, report.Quarantined)
	fmt.Printf("Duration: %s\n", report.Duration)
	return nil
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "down"
}
