package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"content_sync/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id              TEXT PRIMARY KEY,
	operation       TEXT NOT NULL,
	target_key      TEXT NOT NULL,
	payload         BLOB,
	attempts        INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_state ON sync_queue(state);

CREATE TABLE IF NOT EXISTS conflicts (
	id                TEXT PRIMARY KEY,
	article_slug      TEXT NOT NULL,
	external_id       TEXT NOT NULL,
	local_updated_at  INTEGER NOT NULL,
	remote_updated_at INTEGER NOT NULL,
	policy            TEXT NOT NULL,
	detected_at       INTEGER NOT NULL
);
`

// QueueStore keeps the sync retry queue and the conflict log in a local
// SQLite file so both survive restarts.
type QueueStore struct {
	db   *sqlx.DB
	path string
}

func Open(path string) (*QueueStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}

	return &QueueStore{db: db, path: path}, nil
}

func (s *QueueStore) Close() error {
	return s.db.Close()
}

func (s *QueueStore) Path() string {
	return s.path
}

type itemRow struct {
	ID            string `db:"id"`
	Operation     string `db:"operation"`
	TargetKey     string `db:"target_key"`
	Payload       []byte `db:"payload"`
	Attempts      int    `db:"attempts"`
	State         string `db:"state"`
	NextAttemptAt int64  `db:"next_attempt_at"`
	LastError     string `db:"last_error"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r itemRow) toDomain() domain.SyncQueueItem {
	return domain.SyncQueueItem{
		ID:            r.ID,
		Operation:     domain.SyncOperation(r.Operation),
		TargetKey:     r.TargetKey,
		Payload:       r.Payload,
		Attempts:      r.Attempts,
		State:         domain.QueueState(r.State),
		NextAttemptAt: fromNanos(r.NextAttemptAt),
		LastError:     r.LastError,
		CreatedAt:     fromNanos(r.CreatedAt),
		UpdatedAt:     fromNanos(r.UpdatedAt),
	}
}

func (s *QueueStore) SaveItem(ctx context.Context, item *domain.SyncQueueItem) error {
	row := itemRow{
		ID:            item.ID,
		Operation:     string(item.Operation),
		TargetKey:     item.TargetKey,
		Payload:       item.Payload,
		Attempts:      item.Attempts,
		State:         string(item.State),
		NextAttemptAt: toNanos(item.NextAttemptAt),
		LastError:     item.LastError,
		CreatedAt:     toNanos(item.CreatedAt),
		UpdatedAt:     toNanos(item.UpdatedAt),
	}

	query := `
		INSERT INTO sync_queue (id, operation, target_key, payload, attempts, state, next_attempt_at, last_error, created_at, updated_at)
		VALUES (:id, :operation, :target_key, :payload, :attempts, :state, :next_attempt_at, :last_error, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			attempts = excluded.attempts,
			state = excluded.state,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save queue item %s: %w", item.ID, err)
	}
	return nil
}

func (s *QueueStore) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queue item %s: %w", id, err)
	}
	return nil
}

func (s *QueueStore) ListItems(ctx context.Context) ([]domain.SyncQueueItem, error) {
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM sync_queue ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}

	items := make([]domain.SyncQueueItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toDomain())
	}
	return items, nil
}

type conflictRow struct {
	ID              string `db:"id"`
	ArticleSlug     string `db:"article_slug"`
	ExternalID      string `db:"external_id"`
	LocalUpdatedAt  int64  `db:"local_updated_at"`
	RemoteUpdatedAt int64  `db:"remote_updated_at"`
	Policy          string `db:"policy"`
	DetectedAt      int64  `db:"detected_at"`
}

func (s *QueueStore) SaveConflict(ctx context.Context, conflict *domain.Conflict) error {
	row := conflictRow{
		ID:              conflict.ID,
		ArticleSlug:     conflict.ArticleSlug,
		ExternalID:      conflict.ExternalID,
		LocalUpdatedAt:  toNanos(conflict.LocalUpdatedAt),
		RemoteUpdatedAt: toNanos(conflict.RemoteUpdatedAt),
		Policy:          string(conflict.Policy),
		DetectedAt:      toNanos(conflict.DetectedAt),
	}

	query := `
		INSERT OR REPLACE INTO conflicts (id, article_slug, external_id, local_updated_at, remote_updated_at, policy, detected_at)
		VALUES (:id, :article_slug, :external_id, :local_updated_at, :remote_updated_at, :policy, :detected_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save conflict %s: %w", conflict.ID, err)
	}
	return nil
}

// ListConflicts returns the conflict log, most recent first.
func (s *QueueStore) ListConflicts(ctx context.Context) ([]domain.Conflict, error) {
	var rows []conflictRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM conflicts ORDER BY detected_at DESC, id`); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}

	conflicts := make([]domain.Conflict, 0, len(rows))
	for _, r := range rows {
		conflicts = append(conflicts, domain.Conflict{
			ID:              r.ID,
			ArticleSlug:     r.ArticleSlug,
			ExternalID:      r.ExternalID,
			LocalUpdatedAt:  fromNanos(r.LocalUpdatedAt),
			RemoteUpdatedAt: fromNanos(r.RemoteUpdatedAt),
			Policy:          domain.ConflictPolicy(r.Policy),
			DetectedAt:      fromNanos(r.DetectedAt),
		})
	}
	return conflicts, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
