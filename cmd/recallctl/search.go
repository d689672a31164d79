package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/httpapi"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
)

var (
	searchMode        string
	searchLimit       int
	searchContext     string
	searchTiers       []string
	searchVault       string
	searchExactWeight float64
	searchJSON        bool
)

// searchCmd exposes the single-leg and hybrid search paths directly
var searchCmd = &cobra.Command{
	Use:   "search [query...]",
	Short: "Search memories by exact match or hybrid blend",
	Long: `Search memories without the full recall scoring pipeline.

Exact mode matches content substrings and metadata in the relational
store only. Hybrid mode blends the exact and semantic legs with a
configurable weight.

Examples:
  # Exact substring search
  recallctl search --mode exact signing key

  # Hybrid search favoring the exact leg
  recallctl search --mode hybrid --exact-weight 0.7 signing key`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchMode, "mode", "exact", "search mode (exact or hybrid)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (0 uses the server default)")
	searchCmd.Flags().StringVar(&searchContext, "context", "", "filter by context label")
	searchCmd.Flags().StringSliceVar(&searchTiers, "tier", nil, "filter by tier (working, session, long_term)")
	searchCmd.Flags().StringVar(&searchVault, "vault", "", "filter by vault scope (core or project)")
	searchCmd.Flags().Float64Var(&searchExactWeight, "exact-weight", 0, "hybrid blend weight for the exact leg, 0..1 (unset uses the server default)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output raw JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return fmt.Errorf("no query given")
	}

	filter, err := buildFilter(searchContext, searchTiers, searchVault)
	if err != nil {
		return err
	}

	req := httpapi.SearchRequest{
		Query:  query,
		Limit:  searchLimit,
		Filter: filter,
	}

	var path string
	switch searchMode {
	case "exact":
		path = "/v1/search/exact"
	case "hybrid":
		path = "/v1/search/hybrid"
		if cmd.Flags().Changed("exact-weight") {
			w := searchExactWeight
			req.ExactWeight = &w
		}
	default:
		return fmt.Errorf("invalid mode: %s (valid: exact, hybrid)", searchMode)
	}

	var rs retrieval.ResultSet
	if err := api(http.MethodPost, path, req, &rs); err != nil {
		return err
	}

	if searchJSON {
		return outputJSON(rs)
	}
	printResults(&rs)
	return nil
}
