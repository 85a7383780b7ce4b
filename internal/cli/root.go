package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/graphnode/internal/control"
	"github.com/vietddude/graphnode/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "graphnode",
	Short: "Graphnode indexing service",
	Long:  `Graphnode indexes smart contract events into versioned entities through sandboxed mapping handlers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured deployment",
	Run:   runService,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// loadConfig loads the config file and installs the logger it asks for.
func loadConfig() *config.AppConfig {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

// openStores opens the configured stores for an offline admin command.
func openStores(ctx context.Context, cfg *config.AppConfig) *control.Stores {
	if cfg.Database.URL == "" {
		slog.Error("This command needs database.url; the memory store does not outlive the process")
		os.Exit(1)
	}
	stores, err := control.OpenStores(ctx, cfg, nil)
	if err != nil {
		slog.Error("Failed to open stores", "error", err)
		os.Exit(1)
	}
	return stores
}

func runService(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := control.New(ctx, cfg, control.Options{})
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("Error during shutdown", "error", err)
		}
	}()

	slog.Info("Service starting", "config", cfgPath, "deployments", len(cfg.Deployments))
	if err := app.Run(ctx); err != nil {
		slog.Error("Service stopped with error", "error", err)
		return
	}
	fmt.Fprintln(os.Stderr, "graphnode stopped")
}
