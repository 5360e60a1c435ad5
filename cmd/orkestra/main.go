package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orkestra",
	Short: "Task coordination and workflow orchestration engine",
	Long: `Orkestra turns free-text tasks into phased workflows and runs them on a
pool of specialised agents.

Run "orkestra serve" to start the engine with its web API, NATS IPC and
Telegram bot. The other commands work offline against the same config.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orkestra %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $ORKESTRA_CONFIG or config/orkestra.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config flag, $ORKESTRA_CONFIG or the
// default location, in that order.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if v := os.Getenv("ORKESTRA_CONFIG"); v != "" {
		return v
	}
	return "config/orkestra.yaml"
}

func loadConfig() (*config.Config, error) {
	load := config.Load
	if configPath != "" {
		load = func() (*config.Config, error) { return config.LoadFile(configPath) }
	}
	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
