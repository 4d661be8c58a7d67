// Package commands holds the episode-harvester command line
package commands

import (
	"context"
	"log/slog"
	"os"
	"time"

	"episode-harvester/config"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "episode-harvester",
	Short: "episode-harvester captures and downloads the HLS manifests of a video series.",
	Long: `episode-harvester runs as two cooperating processes. "proxy" intercepts the
browser's traffic and records every manifest URL it sees; "crawl" drives the
browser through the episodes, waiting for the proxy to record each one.
"download" then fetches the recorded manifests.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initSlog(verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json5", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initSlog(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
}

// ExecuteContext runs the command line and exits non-zero on failure
func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(configPath)
}
