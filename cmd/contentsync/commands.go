package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"content_sync/internal/domain"
	"content_sync/internal/service"
)

// errRunFailed signals a failed run whose report was already printed.
var errRunFailed = errors.New("run failed")

func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer a.Close()
	return fn(a)
}

func printReport(w io.Writer, report *domain.RunReport) error {
	fmt.Fprintf(w, "Report %s (%s): %s\n", report.ID, report.Kind, report.Status)
	if report.SnapshotID != "" {
		fmt.Fprintf(w, "  Snapshot: %s\n", report.SnapshotID)
	}
	fmt.Fprintf(w, "  Processed: %d/%d  Errors: %d  Warnings: %d\n",
		report.Metrics.Processed, report.Metrics.Total, len(report.Errors), len(report.Warnings))
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, warn := range report.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	if report.Status == domain.RunFailed {
		return errRunFailed
	}
	return nil
}

// --- migrate ---

var (
	batchSize int
	dryRun    bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import platform posts that are missing locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			size := batchSize
			if size == 0 {
				size = a.cfg.Migration.BatchSize
			}

			report, result, _ := a.runner.Migrate(cmd.Context(), service.MigrateOptions{BatchSize: size, DryRun: dryRun})
			out := cmd.OutOrStdout()
			if result != nil {
				fmt.Fprintf(out, "Imported: %d  Skipped: %d  Failed: %d  (%s)\n",
					result.Imported, result.Skipped, result.Failed, result.Duration)
				for _, slug := range result.WouldImport {
					fmt.Fprintf(out, "  would import: %s\n", slug)
				}
			}
			return printReport(out, report)
		})
	},
}

// --- snapshots ---

var (
	backupKind  string
	description string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a snapshot of the content store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			report, snap, _ := a.runner.Backup(cmd.Context(), domain.SnapshotKind(backupKind), description)
			if snap != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s: %d articles, %d tags, %d series, %d users (%d bytes)\n",
					snap.ID, snap.Counts.Articles, snap.Counts.Tags, snap.Counts.Series, snap.Counts.Users, snap.Size)
			}
			return printReport(cmd.OutOrStdout(), report)
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Verify and restore a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			report, result, _ := a.runner.Restore(cmd.Context(), args[0])
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %d articles, removed %d (pre-restore snapshot %s)\n",
					result.Restored.Articles, result.Removed.Articles, result.PreRestoreSnapshotID)
			}
			return printReport(cmd.OutOrStdout(), report)
		})
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			list, err := a.snapshots.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tKIND\tARTICLES\tSIZE\tDESCRIPTION")
			for _, snap := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					snap.ID, snap.Timestamp.Format("2006-01-02 15:04:05"), snap.Kind,
					snap.Counts.Articles, snap.Size, snap.Description)
			}
			return tw.Flush()
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <snapshot-id>",
	Short: "Check a snapshot's integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ok, err := a.snapshots.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s: CORRUPT\n", args[0])
				return domain.ErrChecksumMismatch
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s: OK\n", args[0])
			return nil
		})
	},
}

var (
	pruneMaxCount   int
	pruneMaxAgeDays int
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the snapshot retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			maxCount, maxAge := a.cfg.Snapshots.RetentionMaxCount, a.cfg.Snapshots.RetentionMaxAgeDays
			if cmd.Flags().Changed("max-count") {
				maxCount = pruneMaxCount
			}
			if cmd.Flags().Changed("max-age-days") {
				maxAge = pruneMaxAgeDays
			}

			result, err := a.snapshots.ApplyRetention(cmd.Context(), maxCount, maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d snapshots, kept %d\n", len(result.Deleted), result.Kept)
			for _, id := range result.Failed {
				fmt.Fprintf(cmd.OutOrStdout(), "  could not delete: %s\n", id)
			}
			return nil
		})
	},
}

var deleteSnapshotCmd = &cobra.Command{
	Use:   "delete-snapshot <snapshot-id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.snapshots.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot %s\n", args[0])
			return nil
		})
	},
}

// --- sync ---

var pushCmd = &cobra.Command{
	Use:   "push <slug>",
	Short: "Send a local article to the platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			coordinator, err := a.coordinator(cmd.Context())
			if err != nil {
				return err
			}

			err = coordinator.PushOutbound(cmd.Context(), args[0])
			switch {
			case err == nil:
				fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s\n", args[0])
				return nil
			case errors.Is(err, service.ErrRetryQueued):
				fmt.Fprintf(cmd.OutOrStdout(), "Push of %s failed and was queued for retry: %v\n", args[0], err)
				return nil
			default:
				return err
			}
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show content, migration and sync queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			stats, err := a.stores.Articles.Stats(ctx)
			if err != nil {
				return err
			}
			state, err := a.stores.SyncState.Get(ctx, a.platform.ID())
			if err != nil {
				return err
			}
			coordinator, err := a.coordinator(ctx)
			if err != nil {
				return err
			}
			conflicts, err := coordinator.Conflicts(ctx)
			if err != nil {
				return err
			}
			status := coordinator.Status()

			fmt.Fprintln(out, "Content:")
			fmt.Fprintf(out, "  Articles: %d  Tags: %d  Series: %d  Users: %d\n", stats.Articles, stats.Tags, stats.Series, stats.Users)
			fmt.Fprintf(out, "  Needs review: %d\n", stats.NeedsReview)
			fmt.Fprintln(out, "\nMigration:")
			if state.LastSyncedAt.IsZero() {
				fmt.Fprintln(out, "  Never run")
			} else {
				fmt.Fprintf(out, "  Last run: %s  Total imported: %d\n", state.LastSyncedAt.Format("2006-01-02 15:04:05"), state.TotalImported)
			}
			fmt.Fprintln(out, "\nSync queue:")
			fmt.Fprintf(out, "  Pending: %d  In flight: %d  Failed: %d\n", status.Pending, status.InFlight, status.Failed)
			for _, item := range coordinator.Items() {
				fmt.Fprintf(out, "  %s %s %s attempts=%d %s\n", item.State, item.Operation, item.TargetKey, item.Attempts, item.LastError)
			}
			fmt.Fprintf(out, "\nConflicts flagged: %d\n", len(conflicts))
			for _, c := range conflicts {
				fmt.Fprintf(out, "  %s (%s) at %s\n", c.ArticleSlug, c.ExternalID, c.DetectedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

// --- report ---

var (
	reportFormat string
	reportID     string
	reportOut    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a saved run report or a fresh content report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			var report *domain.RunReport
			var err error
			if reportID != "" {
				report, err = a.reports.Load(reportID)
			} else {
				report, err = a.runner.ContentReport(cmd.Context())
			}
			if err != nil {
				return err
			}

			data, err := service.RenderReport(report, service.ReportFormat(reportFormat))
			if err != nil {
				return err
			}

			if reportOut == "" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(reportOut, data, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", reportOut)
			return nil
		})
	},
}

func init() {
	migrateCmd.Flags().IntVar(&batchSize, "batch-size", 0, "posts per page (defaults to migration.batch_size)")
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be imported without writing")

	backupCmd.Flags().StringVar(&backupKind, "kind", string(domain.SnapshotFull), "snapshot kind (full, incremental)")
	backupCmd.Flags().StringVar(&description, "description", "manual backup", "snapshot description")

	pruneCmd.Flags().IntVar(&pruneMaxCount, "max-count", 0, "keep at most this many snapshots (0 disables)")
	pruneCmd.Flags().IntVar(&pruneMaxAgeDays, "max-age-days", 0, "delete snapshots older than this (0 disables)")

	reportCmd.Flags().StringVar(&reportFormat, "format", string(service.FormatMarkdown), "output format (json, markdown, html)")
	reportCmd.Flags().StringVar(&reportID, "id", "", "render a saved report instead of a fresh content report")
	reportCmd.Flags().StringVarP(&reportOut, "output", "o", "", "write to file instead of stdout")
}
