package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content_sync/internal/domain"
	"content_sync/internal/metrics"
)

type MigrateOptions struct {
	BatchSize int
	DryRun    bool
}

// MigrationEngine imports every platform post that has no local
// counterpart. Existing records are never overwritten; sync handles updates.
type MigrationEngine struct {
	platform Platform
	stores   Stores
	tracker  *AnalyticsCollector
	metrics  *metrics.Metrics
	logger   *slog.Logger
	writer   *contentWriter
	now      func() time.Time
}

func NewMigrationEngine(
	platform Platform,
	stores Stores,
	tracker *AnalyticsCollector,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MigrationEngine {
	e := &MigrationEngine{
		platform: platform,
		stores:   stores,
		tracker:  tracker,
		metrics:  m,
		logger:   logger.With("component", "migration", "source", platform.ID()),
		now:      time.Now,
	}
	e.writer = &contentWriter{stores: stores, now: func() time.Time { return e.now() }}
	return e
}

// Migrate pages through the platform. Per-record failures are collected in
// the result; connection failures and cancellation abort the run and are
// returned together with the partial result.
func (e *MigrationEngine) Migrate(ctx context.Context, opts MigrateOptions) (*domain.MigrationResult, error) {
	start := e.now()
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be positive", domain.ErrValidation)
	}

	e.logger.Info("starting migration", "batch_size", opts.BatchSize, "dry_run", opts.DryRun)

	result := &domain.MigrationResult{DryRun: opts.DryRun}
	cursor := ""
	totalKnown := false

	for {
		page, err := e.platform.ListPosts(ctx, cursor, opts.BatchSize)
		if err != nil {
			result.Duration = e.now().Sub(start)
			return result, fmt.Errorf("list posts: %w", err)
		}

		if !totalKnown && page.Total > 0 && e.tracker != nil {
			e.tracker.SetTotal(page.Total)
			totalKnown = true
		}

		for i := range page.Posts {
			if err := ctx.Err(); err != nil {
				result.Duration = e.now().Sub(start)
				return result, err
			}
			if err := e.migrateRecord(ctx, &page.Posts[i], opts, result); err != nil {
				result.Duration = e.now().Sub(start)
				e.logger.Error("migration aborted", "error", err, "imported", result.Imported)
				return result, err
			}
			if e.tracker != nil {
				e.tracker.UpdateRun(1)
			}
		}

		e.logger.Debug("batch processed",
			"posts", len(page.Posts),
			"imported", result.Imported,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)

		if !page.HasNext || page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	if !opts.DryRun {
		if err := e.updateSyncState(ctx, cursor, result.Imported); err != nil {
			result.Duration = e.now().Sub(start)
			return result, fmt.Errorf("update sync state: %w", err)
		}
	}

	result.Duration = e.now().Sub(start)
	e.logger.Info("migration completed",
		"imported", result.Imported,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"dry_run", opts.DryRun,
		"duration", result.Duration,
	)

	return result, nil
}

// migrateRecord returns an error only when the run must stop.
func (e *MigrationEngine) migrateRecord(ctx context.Context, post *domain.ExternalPost, opts MigrateOptions, result *domain.MigrationResult) error {
	if err := validatePost(post); err != nil {
		var recErr domain.RecordError
		errors.As(err, &recErr)
		e.fail(result, recErr)
		return nil
	}

	_, err := findLinked(ctx, e.stores.Articles, post.ID, post.Slug)
	switch {
	case err == nil:
		result.Skipped++
		e.metrics.RecordMigrated("skipped")
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		if domain.IsFatal(err) {
			return fmt.Errorf("lookup %s: %w", post.Slug, err)
		}
		e.fail(result, domain.RecordError{Key: post.Slug, Message: err.Error()})
		return nil
	}

	if opts.DryRun {
		result.WouldImport = append(result.WouldImport, post.Slug)
		return nil
	}

	err = e.stores.Tx.WithTransaction(ctx, func(txCtx context.Context) error {
		_, err := e.writer.write(txCtx, post, nil)
		return err
	})
	switch {
	case err == nil:
		result.Imported++
		e.metrics.RecordMigrated("imported")
	case errors.Is(err, domain.ErrDuplicate):
		result.Skipped++
		e.metrics.RecordMigrated("skipped")
	case domain.IsFatal(err):
		return fmt.Errorf("write %s: %w", post.Slug, err)
	default:
		e.fail(result, domain.RecordError{Key: post.Slug, Message: err.Error()})
	}
	return nil
}

func (e *MigrationEngine) fail(result *domain.MigrationResult, recErr domain.RecordError) {
	result.Failed++
	result.Errors = append(result.Errors, recErr)
	e.metrics.RecordMigrated("failed")
	if e.tracker != nil {
		e.tracker.RecordError(recErr.Error())
	}
	e.logger.Warn("record failed", "key", recErr.Key, "field", recErr.Field, "error", recErr.Message)
}

func (e *MigrationEngine) updateSyncState(ctx context.Context, cursor string, imported int) error {
	state, err := e.stores.SyncState.Get(ctx, e.platform.ID())
	if err != nil {
		return err
	}

	state.SourceID = e.platform.ID()
	state.LastSyncedAt = e.now()
	state.LastCursor = cursor
	state.TotalImported += int64(imported)

	return e.stores.SyncState.Update(ctx, state)
}
