package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/minghsu/prodsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prodsync",
		Short:   "Product catalog sync service",
		Long:    "Syncs product records and images from an upstream multi-dimensional table into a local catalog and object store.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (TOML)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "force JSON log output")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())

	return cmd
}

// loadConfig applies the file and environment layers and validates the
// result.
func loadConfig() (*config.Config, error) {
	return config.Load(flagConfigPath)
}

// buildLogger creates an slog.Logger from the CLI flags. Interactive
// terminals get the text handler; pipes and service managers get JSON
// unless --json forces it either way.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if !flagJSON && isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newHTTPClient returns an HTTP client with the configured per-request
// timeout. Used for upstream API calls and image downloads.
func newHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.Sync.RequestTimeout}
}
