package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"content_sync/internal/config"
	"content_sync/internal/domain"
	"content_sync/internal/metrics"
)

// Runner drives operator-triggered runs. Every run ends with a persisted
// report whose status reflects what happened, even when the run fails.
type Runner struct {
	snapshots *SnapshotStore
	migration *MigrationEngine
	analytics *AnalyticsCollector
	reports   *ReportStore
	retention config.SnapshotConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewRunner(
	snapshots *SnapshotStore,
	migration *MigrationEngine,
	analytics *AnalyticsCollector,
	reports *ReportStore,
	retention config.SnapshotConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		snapshots: snapshots,
		migration: migration,
		analytics: analytics,
		reports:   reports,
		retention: retention,
		metrics:   m,
		logger:    logger.With("component", "runner"),
	}
}

// Migrate snapshots the store (unless dry-run) and imports missing content.
func (r *Runner) Migrate(ctx context.Context, opts MigrateOptions) (*domain.RunReport, *domain.MigrationResult, error) {
	start := time.Now()
	r.analytics.StartRun("migrate", 0)

	var snapshotID string
	if !opts.DryRun {
		snap, err := r.snapshots.Create(ctx, domain.SnapshotPreOperation, "before migration")
		if err != nil {
			err = fmt.Errorf("pre-migration snapshot: %w", err)
			report := r.finish(ctx, domain.ReportMigration, domain.RunFailed, "", start, err)
			return report, nil, err
		}
		snapshotID = snap.ID
	}

	result, err := r.migration.Migrate(ctx, opts)

	succeeded, failed := 0, 0
	var warnings []string
	if result != nil {
		succeeded, failed = result.Imported+result.Skipped, result.Failed
		if result.DryRun {
			warnings = append(warnings, fmt.Sprintf("dry run: %d records would be imported", len(result.WouldImport)))
			succeeded += len(result.WouldImport)
		}
	}

	report := r.finish(ctx, domain.ReportMigration, domain.DeriveStatus(succeeded, failed, err), snapshotID, start, err, warnings...)
	return report, result, err
}

// Backup creates a snapshot and applies the configured retention.
func (r *Runner) Backup(ctx context.Context, kind domain.SnapshotKind, description string) (*domain.RunReport, *domain.Snapshot, error) {
	start := time.Now()
	r.analytics.StartRun("backup", 1)

	snap, err := r.snapshots.Create(ctx, kind, description)
	if err != nil {
		report := r.finish(ctx, domain.ReportBackup, domain.RunFailed, "", start, err)
		return report, nil, err
	}
	r.analytics.UpdateRun(1)

	retention, rerr := r.snapshots.ApplyRetention(ctx, r.retention.RetentionMaxCount, r.retention.RetentionMaxAgeDays)
	for _, w := range retentionWarnings(retention, rerr) {
		r.analytics.RecordWarning(w)
	}

	report := r.finish(ctx, domain.ReportBackup, domain.RunSuccess, snap.ID, start, nil)
	return report, snap, nil
}

func retentionWarnings(result *domain.RetentionResult, err error) []string {
	if err != nil {
		return []string{"retention sweep failed: " + err.Error()}
	}
	if result == nil {
		return nil
	}
	warnings := make([]string, 0, len(result.Failed))
	for _, id := range result.Failed {
		warnings = append(warnings, "retention could not delete snapshot "+id)
	}
	return warnings
}

// Restore verifies and applies a snapshot.
func (r *Runner) Restore(ctx context.Context, id string) (*domain.RunReport, *domain.RestoreResult, error) {
	start := time.Now()
	r.analytics.StartRun("restore", 1)

	result, err := r.snapshots.Restore(ctx, id)
	if err != nil {
		report := r.finish(ctx, domain.ReportRestore, domain.RunFailed, id, start, err)
		return report, nil, err
	}
	r.analytics.UpdateRun(1)

	report := r.finish(ctx, domain.ReportRestore, domain.RunSuccess, result.PreRestoreSnapshotID, start, nil)
	return report, result, nil
}

// ContentReport builds a report over the current content without a run.
func (r *Runner) ContentReport(ctx context.Context) (*domain.RunReport, error) {
	r.analytics.StartRun("report", 0)
	r.analytics.StopRun()

	report, err := r.analytics.BuildReport(ctx, domain.ReportContent, domain.RunSuccess, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := r.reports.Save(report); err != nil {
		return nil, err
	}
	return report, nil
}

// queueDrainer is the part of SyncCoordinator a sync run drives.
type queueDrainer interface {
	DrainQueue(ctx context.Context) (*domain.DrainStats, error)
	Items() []domain.SyncQueueItem
}

// SyncSession is one background sync run. It drains the queue on behalf of
// the scheduler and reports the whole session on Finish.
type SyncSession struct {
	runner *Runner
	queue  queueDrainer
	start  time.Time

	mu     sync.Mutex
	totals domain.DrainStats
}

// StartSync opens a sync run over queue.
func (r *Runner) StartSync(queue queueDrainer) *SyncSession {
	r.analytics.StartRun("sync", 0)
	return &SyncSession{runner: r, queue: queue, start: time.Now()}
}

// DrainQueue drains once and folds the outcome into the run.
func (s *SyncSession) DrainQueue(ctx context.Context) (*domain.DrainStats, error) {
	stats, err := s.queue.DrainQueue(ctx)
	if stats != nil {
		s.mu.Lock()
		s.totals.Attempted += stats.Attempted
		s.totals.Succeeded += stats.Succeeded
		s.totals.Rescheduled += stats.Rescheduled
		s.totals.Failed += stats.Failed
		s.totals.Duration += stats.Duration
		attempted := s.totals.Attempted
		s.mu.Unlock()

		s.runner.analytics.SetTotal(attempted)
		s.runner.analytics.UpdateRun(stats.Attempted)
		if stats.Failed > 0 {
			s.runner.analytics.RecordError(fmt.Sprintf("sync items permanently failed: %d", stats.Failed))
		}
	}
	if err != nil {
		s.runner.analytics.RecordWarning("drain interrupted: " + err.Error())
	}
	return stats, err
}

// Totals returns the drain outcomes accumulated so far.
func (s *SyncSession) Totals() domain.DrainStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// Finish ends the run and persists its report. Items left failed in the
// queue are listed as warnings for the operator.
func (s *SyncSession) Finish(ctx context.Context) *domain.RunReport {
	totals := s.Totals()

	var warnings []string
	for _, item := range s.queue.Items() {
		if item.State != domain.QueueFailed {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("%s %s failed after %d attempts: %s",
			item.Operation, item.TargetKey, item.Attempts, item.LastError))
	}

	status := domain.DeriveStatus(totals.Succeeded, totals.Failed, nil)
	return s.runner.finish(ctx, domain.ReportSync, status, "", s.start, nil, warnings...)
}

func (r *Runner) finish(ctx context.Context, kind domain.ReportKind, status domain.RunStatus, snapshotID string, start time.Time, fatal error, warnings ...string) *domain.RunReport {
	r.analytics.StopRun()
	r.metrics.ObserveRun(string(kind), string(status), time.Since(start))

	var errs []string
	if fatal != nil {
		errs = append(errs, fatal.Error())
	}

	// The report is written even when the run was cancelled.
	reportCtx := context.WithoutCancel(ctx)
	report, err := r.analytics.BuildReport(reportCtx, kind, status, errs, warnings)
	if err != nil {
		r.logger.Error("failed to build report", "kind", kind, "error", err)
		run, _ := r.analytics.Metrics()
		report = &domain.RunReport{
			ID:          uuid.NewString(),
			Kind:        kind,
			Status:      status,
			GeneratedAt: time.Now().UTC(),
			Metrics:     run,
			Errors:      append(errs, "report stats unavailable: "+err.Error()),
			Warnings:    warnings,
		}
	}
	report.SnapshotID = snapshotID

	path, err := r.reports.Save(report)
	if err != nil {
		r.logger.Error("failed to save report", "id", report.ID, "error", err)
	} else {
		r.logger.Info("run finished", "kind", kind, "status", status, "report", path)
	}
	return report
}
