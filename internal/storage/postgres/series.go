package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"content_sync/internal/domain"
)

type SeriesStore struct {
	db *sqlx.DB
}

func NewSeriesStore(db *sqlx.DB) *SeriesStore {
	return &SeriesStore{db: db}
}

func (s *SeriesStore) FindBySlug(ctx context.Context, slug string) (*domain.Series, error) {
	var series domain.Series
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &series,
		`SELECT id, slug, name, description, created_at, updated_at FROM series WHERE slug = $1`, slug)
	if err != nil {
		return nil, wrapErr("find series "+slug, err)
	}
	return &series, nil
}

func (s *SeriesStore) Upsert(ctx context.Context, series *domain.Series) (int64, error) {
	query := `
		INSERT INTO series (slug, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()), COALESCE($5, NOW()))
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	var id int64
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		series.Slug,
		series.Name,
		series.Description,
		nullTime(series.CreatedAt),
		nullTime(series.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("upsert series "+series.Slug, err)
	}
	return id, nil
}

func (s *SeriesStore) List(ctx context.Context) ([]domain.Series, error) {
	var out []domain.Series
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &out,
		`SELECT id, slug, name, description, created_at, updated_at FROM series ORDER BY slug`)
	if err != nil {
		return nil, wrapErr("list series", err)
	}
	return out, nil
}

// DeleteExcept removes unlisted series; their articles are detached.
func (s *SeriesStore) DeleteExcept(ctx context.Context, slugs []string) (int64, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM series WHERE NOT (slug = ANY($1))`,
		keepList(slugs),
	)
	if err != nil {
		return 0, wrapErr("delete series", err)
	}
	return res.RowsAffected()
}
