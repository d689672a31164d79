package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/service"
)

var (
	recallLimit   int
	recallContext string
	recallTiers   []string
	recallVault   string
	recallJSON    bool
)

// recallCmd runs the blended multi-signal read path
var recallCmd = &cobra.Command{
	Use:   "recall [query...]",
	Short: "Recall memories by semantic similarity",
	Long: `Recall memories ranked by blended similarity, recency, importance,
frequency, and context match.

When the embedder or vector index is down the server falls back to
exact search and marks the answer degraded.

Examples:
  # Recall with defaults
  recallctl recall how do we rotate signing keys

  # Scope to a tier and context
  recallctl recall --tier long_term --context decision deployment rollback`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecall,
}

func init() {
	recallCmd.Flags().IntVar(&recallLimit, "limit", 0, "maximum results (0 uses the server default)")
	recallCmd.Flags().StringVar(&recallContext, "context", "", "filter by context label")
	recallCmd.Flags().StringSliceVar(&recallTiers, "tier", nil, "filter by tier (working, session, long_term)")
	recallCmd.Flags().StringVar(&recallVault, "vault", "", "filter by vault scope (core or project)")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "output raw JSON")
}

func runRecall(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return fmt.Errorf("no query given")
	}

	filter, err := buildFilter(recallContext, recallTiers, recallVault)
	if err != nil {
		return err
	}

	req := service.RecallRequest{
		Query:  query,
		Limit:  recallLimit,
		Filter: filter,
	}

	var rs retrieval.ResultSet
	if err := api(http.MethodPost, "/v1/recall", req, &rs); err != nil {
		return err
	}

	if recallJSON {
		return outputJSON(rs)
	}
	printResults(&rs)
	return nil
}

// buildFilter validates flag values client-side so typos fail with a
// usage error instead of a server round trip.
func buildFilter(context string, tierNames []string, vault string) (memory.Filter, error) {
	f := memory.Filter{Context: context}

	for _, name := range tierNames {
		tier := memory.Tier(name)
		if !tier.Valid() {
			return f, fmt.Errorf("invalid tier: %s (valid: working, session, long_term)", name)
		}
		f.Tiers = append(f.Tiers, tier)
	}

	if vault != "" {
		scope := memory.VaultScope(vault)
		if !scope.Valid() {
			return f, fmt.Errorf("invalid vault: %s (valid: core, project)", vault)
		}
		f.VaultScope = scope
	}

	return f, nil
}

// printResults renders a ranked answer as a table, with degraded-mode
// notices on stderr.
func printResults(rs *retrieval.ResultSet) {
	if rs.Degraded {
		fmt.Fprintf(os.Stderr, "[recallctl] degraded answer, exact match only: %s\n", rs.Reason)
	}

	if len(rs.Results) == 0 {
		fmt.Println("No memories found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tTIER\tCONTEXT\tID\tCONTENT")
	for _, r := range rs.Results {
		fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\t%s\n",
			r.Score,
			r.Memory.Tier,
			truncate(r.Memory.Context, 16),
			truncate(r.Memory.ID, 12),
			truncate(strings.ReplaceAll(r.Memory.Content, "\n", " "), 60),
		)
	}
	w.Flush()
}
