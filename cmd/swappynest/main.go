// Package main provides the swappynest command line client.
//
// # Basic Usage
//
// Sign in and check the session:
//
//	swappynest login --email a@x.com
//	swappynest status
//
// List conversations and open one:
//
//	swappynest conversations
//	swappynest chat --conversation 3
//
// # Environment Variables
//
//   - SWAPPYNEST_CONFIG: Path to configuration file (default: ~/.swappynest/config.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/swappynest/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalOptions are the persistent root flags.
type globalOptions struct {
	configPath  string
	metricsAddr string
	logLevel    string
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:          "swappynest",
		Short:        "swappynest - marketplace client with realtime chat",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "Path to YAML or JSON5 configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildLoginCmd(opts),
		buildLogoutCmd(opts),
		buildStatusCmd(opts),
		buildConversationsCmd(opts),
		buildChatCmd(opts),
		buildConfigCmd(opts),
	)
	return rootCmd
}
