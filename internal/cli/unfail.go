package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/graphnode/internal/core/cursor"
	"github.com/vietddude/graphnode/internal/indexing/recovery"
)

var unfailCmd = &cobra.Command{
	Use:   "unfail [deployment]",
	Short: "Clear the failed state of a deployment",
	Long: `Unfail resolves the open failure reports of a deployment and moves it back
to syncing, so the next run retries the block it halted on.`,
	Args: cobra.ExactArgs(1),
	Run:  runUnfail,
}

func init() {
	rootCmd.AddCommand(unfailCmd)
}

func runUnfail(cmd *cobra.Command, args []string) {
	id := args[0]
	cfg := loadConfig()
	ctx := context.Background()
	stores := openStores(ctx, cfg)
	defer func() {
		_ = stores.Close()
	}()

	if err := cursor.NewManager(stores.Store).Unfail(ctx, id); err != nil {
		slog.Error("Failed to unfail deployment", "deployment", id, "error", err)
		os.Exit(1)
	}
	resolved, err := recovery.NewHandler(stores.Failed, nil).ResolveAll(ctx, id)
	if err != nil {
		slog.Error("Failed to resolve failure reports", "deployment", id, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Deployment %s unfailed, %d failure reports resolved\n", id, resolved)
}
