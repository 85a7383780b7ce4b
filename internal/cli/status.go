package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current status of all deployments",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	stores := openStores(ctx, cfg)
	defer func() {
		_ = stores.Close()
	}()

	cursors, err := stores.Store.ListCursors(ctx)
	if err != nil {
		slog.Error("Failed to list cursors", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "DEPLOYMENT\tBLOCK\tSTATE\tFAILURES\tREASON\tUPDATED")

	for _, c := range cursors {
		block := "-"
		if c.Block != nil {
			block = c.Block.String()
		}
		failures, err := stores.Failed.Count(ctx, c.DeploymentID)
		if err != nil {
			slog.Warn("Failed to count failure reports", "deployment", c.DeploymentID, "error", err)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.DeploymentID, block, c.State, failures, c.Reason, c.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
