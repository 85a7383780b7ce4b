package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var rewindCmd = &cobra.Command{
	Use:   "rewind [deployment] [block]",
	Short: "Revert a deployment to an earlier block",
	Long: `Rewind hides every entity version, block pointer and data source written
after the given block, exactly like a chain reorg would. Use it to recover a
deployment halted by a reorg deeper than its confirmation depth. The
deployment must not be running.`,
	Args: cobra.ExactArgs(2),
	Run:  runRewind,
}

func init() {
	rootCmd.AddCommand(rewindCmd)
}

func runRewind(cmd *cobra.Command, args []string) {
	id := args[0]
	height, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block height: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	stores := openStores(ctx, cfg)
	defer func() {
		_ = stores.Close()
	}()

	c, err := stores.Store.Cursor(ctx, id)
	if err != nil {
		slog.Error("Failed to read cursor", "deployment", id, "error", err)
		os.Exit(1)
	}
	if n, ok := c.Height(); !ok || height >= n {
		fmt.Printf("Deployment %s is at %v; nothing to rewind\n", id, c.Block)
		return
	}

	ptr, err := stores.Store.Revert(ctx, id, height)
	if err != nil {
		slog.Error("Failed to rewind", "deployment", id, "block", height, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Rewound %s to block %s\n", id, ptr)
}
