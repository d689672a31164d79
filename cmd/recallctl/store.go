package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/service"
)

var (
	storeContext string
	storeVault   string
	storeMeta    map[string]string
	storeJSON    bool
)

// storeCmd submits content to the write path
var storeCmd = &cobra.Command{
	Use:   "store [text]",
	Short: "Store a memory",
	Long: `Store a memory on the recalld server.

Writes are importance-gated: content scoring below the server's
threshold is acknowledged but not persisted.

Examples:
  # Store a decision
  recallctl store --context decision "We pin Go to 1.24 until the GC regression is fixed"

  # Store from stdin into the project vault
  git log -1 --format=%B | recallctl store - --vault project

  # Attach metadata
  recallctl store --meta source=runbook "Rotate the signing key every 90 days"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStore,
}

func init() {
	storeCmd.Flags().StringVar(&storeContext, "context", "", "context label (task_critical, decision, code_symbol, reference, conversation, general)")
	storeCmd.Flags().StringVar(&storeVault, "vault", "", "vault scope (core or project)")
	storeCmd.Flags().StringToStringVar(&storeMeta, "meta", nil, "metadata key=value pairs")
	storeCmd.Flags().BoolVar(&storeJSON, "json", false, "output raw JSON")
}

func runStore(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error

	// Read input from argument or stdin
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content = []byte(args[0])
	}

	if len(bytes.TrimSpace(content)) == 0 {
		return fmt.Errorf("no content to store")
	}

	if storeVault != "" && !memory.VaultScope(storeVault).Valid() {
		return fmt.Errorf("invalid vault: %s (valid: core, project)", storeVault)
	}

	req := service.StoreRequest{
		Content:    string(content),
		Context:    storeContext,
		Metadata:   storeMeta,
		VaultScope: memory.VaultScope(storeVault),
	}

	var result service.StoreResult
	if err := api(http.MethodPost, "/v1/memories", req, &result); err != nil {
		return err
	}

	if storeJSON {
		return outputJSON(result)
	}

	if !result.Stored {
		fmt.Printf("Not stored: importance %.2f below threshold\n", result.Importance)
		return nil
	}

	fmt.Printf("Stored: %s\n", result.ID)
	fmt.Printf("Importance: %.2f\n", result.Importance)
	fmt.Printf("Tier: %s\n", result.Tier)
	if result.PendingEmbedding {
		fmt.Fprintln(os.Stderr, "[recallctl] embedding pending; semantic recall picks this up after the next repair pass")
	}
	return nil
}
