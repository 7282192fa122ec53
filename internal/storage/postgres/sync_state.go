package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"content_sync/internal/domain"
)

type SyncStateStore struct {
	db *sqlx.DB
}

func NewSyncStateStore(db *sqlx.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, sourceID string) (*domain.SyncState, error) {
	var state domain.SyncState
	query := `
		SELECT id, source_id, last_synced_at, last_cursor, total_imported
		FROM sync_state
		WHERE source_id = $1`

	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &state, query, sourceID)
	err = wrapErr("get sync state", err)
	if errors.Is(err, domain.ErrNotFound) {
		// Return empty state for new sources
		return &domain.SyncState{
			SourceID:     sourceID,
			LastSyncedAt: time.Time{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SyncStateStore) Update(ctx context.Context, state *domain.SyncState) error {
	query := `
		INSERT INTO sync_state (source_id, last_synced_at, last_cursor, total_imported)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			last_cursor = EXCLUDED.last_cursor,
			total_imported = EXCLUDED.total_imported`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		state.SourceID,
		state.LastSyncedAt,
		state.LastCursor,
		state.TotalImported,
	)
	return wrapErr("update sync state", err)
}
