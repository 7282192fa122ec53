package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"content_sync/internal/config"
)

var version = "dev"

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "contentsync",
	Short:         "Migrate, back up and synchronize blog content",
	Long:          "contentsync imports posts from Hashnode, keeps them in sync through signed webhooks, and protects the local store with verified snapshots.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = setupLogger("info", "")
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			return err
		}

		logger = setupLogger(cfg.LogLevel, cfg.LogFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(deleteSnapshotCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "contentsync", version)
	},
}

// setupLogger writes JSON logs to stderr, or to a rotated file when path is
// set, leaving stdout for command output.
func setupLogger(level, path string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(out, opts)
	return slog.New(handler)
}
