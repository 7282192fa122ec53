package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"content_sync/internal/domain"
)

const articleColumns = `id, slug, external_id, title, content, excerpt, cover_image, meta_title,
	meta_description, status, reading_time, series_id, author_id, needs_review,
	published_at, last_synced_at, created_at, updated_at`

type ArticleStore struct {
	db *sqlx.DB
}

func NewArticleStore(db *sqlx.DB) *ArticleStore {
	return &ArticleStore{db: db}
}

func (s *ArticleStore) FindBySlug(ctx context.Context, slug string) (*domain.Article, error) {
	var article domain.Article
	query := `SELECT ` + articleColumns + ` FROM articles WHERE slug = $1`
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &article, query, slug); err != nil {
		return nil, wrapErr("find article "+slug, err)
	}
	return &article, nil
}

func (s *ArticleStore) FindByExternalID(ctx context.Context, externalID string) (*domain.Article, error) {
	var article domain.Article
	query := `SELECT ` + articleColumns + ` FROM articles WHERE external_id = $1`
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &article, query, externalID); err != nil {
		return nil, wrapErr("find article by external id "+externalID, err)
	}
	return &article, nil
}

// Create inserts without touching existing rows. A clash on any natural key
// yields no row and is reported as domain.ErrDuplicate, leaving a
// surrounding transaction usable.
func (s *ArticleStore) Create(ctx context.Context, article *domain.Article) (int64, error) {
	query := `
		INSERT INTO articles (
			slug, external_id, title, content, excerpt, cover_image, meta_title,
			meta_description, status, reading_time, series_id, author_id, needs_review,
			published_at, last_synced_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT DO NOTHING
		RETURNING id`

	var id int64
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		article.Slug,
		article.ExternalID,
		article.Title,
		article.Content,
		article.Excerpt,
		article.CoverImage,
		article.MetaTitle,
		article.MetaDescription,
		article.Status,
		article.ReadingTime,
		article.SeriesID,
		article.AuthorID,
		article.NeedsReview,
		article.PublishedAt,
		article.LastSyncedAt,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrDuplicate
	}
	if err != nil {
		return 0, wrapErr("create article "+article.Slug, err)
	}
	return id, nil
}

func (s *ArticleStore) Update(ctx context.Context, article *domain.Article) error {
	query := `
		UPDATE articles SET
			slug = $2,
			external_id = $3,
			title = $4,
			content = $5,
			excerpt = $6,
			cover_image = $7,
			meta_title = $8,
			meta_description = $9,
			status = $10,
			reading_time = $11,
			series_id = $12,
			author_id = $13,
			needs_review = $14,
			published_at = $15,
			last_synced_at = $16,
			updated_at = NOW()
		WHERE id = $1`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		article.ID,
		article.Slug,
		article.ExternalID,
		article.Title,
		article.Content,
		article.Excerpt,
		article.CoverImage,
		article.MetaTitle,
		article.MetaDescription,
		article.Status,
		article.ReadingTime,
		article.SeriesID,
		article.AuthorID,
		article.NeedsReview,
		article.PublishedAt,
		article.LastSyncedAt,
	)
	if err != nil {
		return wrapErr("update article "+article.Slug, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update article "+article.Slug, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *ArticleStore) MarkForReview(ctx context.Context, id int64) error {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE articles SET needs_review = TRUE WHERE id = $1`, id)
	if err != nil {
		return wrapErr("mark article for review", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("mark article for review", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Upsert writes article by slug. Caller supplied timestamps win over the
// stored ones.
func (s *ArticleStore) Upsert(ctx context.Context, article *domain.Article) (int64, error) {
	query := `
		INSERT INTO articles (
			slug, external_id, title, content, excerpt, cover_image, meta_title,
			meta_description, status, reading_time, series_id, author_id, needs_review,
			published_at, last_synced_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			COALESCE($16, NOW()), COALESCE($17, NOW())
		)
		ON CONFLICT (slug) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			excerpt = EXCLUDED.excerpt,
			cover_image = EXCLUDED.cover_image,
			meta_title = EXCLUDED.meta_title,
			meta_description = EXCLUDED.meta_description,
			status = EXCLUDED.status,
			reading_time = EXCLUDED.reading_time,
			series_id = EXCLUDED.series_id,
			author_id = EXCLUDED.author_id,
			needs_review = EXCLUDED.needs_review,
			published_at = EXCLUDED.published_at,
			last_synced_at = EXCLUDED.last_synced_at,
			created_at = COALESCE($16, articles.created_at),
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	var id int64
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		article.Slug,
		article.ExternalID,
		article.Title,
		article.Content,
		article.Excerpt,
		article.CoverImage,
		article.MetaTitle,
		article.MetaDescription,
		article.Status,
		article.ReadingTime,
		article.SeriesID,
		article.AuthorID,
		article.NeedsReview,
		article.PublishedAt,
		article.LastSyncedAt,
		nullTime(article.CreatedAt),
		nullTime(article.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("upsert article "+article.Slug, err)
	}
	return id, nil
}

func (s *ArticleStore) List(ctx context.Context) ([]domain.Article, error) {
	var articles []domain.Article
	query := `SELECT ` + articleColumns + ` FROM articles ORDER BY id`
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &articles, query); err != nil {
		return nil, wrapErr("list articles", err)
	}
	return articles, nil
}

// DeleteExcept removes every article whose slug is not listed. Tag links
// go with them.
func (s *ArticleStore) DeleteExcept(ctx context.Context, slugs []string) (int64, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM articles WHERE NOT (slug = ANY($1))`,
		keepList(slugs),
	)
	if err != nil {
		return 0, wrapErr("delete articles", err)
	}
	return res.RowsAffected()
}

func (s *ArticleStore) Stats(ctx context.Context) (*domain.ContentStats, error) {
	e := GetExecutor(ctx, s.db)

	query := `
		SELECT
			(SELECT COUNT(*) FROM articles) AS articles,
			(SELECT COUNT(*) FROM tags) AS tags,
			(SELECT COUNT(*) FROM series) AS series,
			(SELECT COUNT(*) FROM users) AS users,
			COUNT(*) FILTER (WHERE a.title <> '') AS with_title,
			COUNT(*) FILTER (WHERE a.content <> '') AS with_content,
			COUNT(*) FILTER (WHERE a.excerpt <> '') AS with_excerpt,
			COUNT(*) FILTER (WHERE EXISTS (
				SELECT 1 FROM article_tags at WHERE at.article_id = a.id
			)) AS with_tags,
			COUNT(*) FILTER (WHERE COALESCE(a.cover_image, '') <> '') AS with_cover,
			COUNT(*) FILTER (WHERE COALESCE(a.meta_title, '') <> '') AS with_meta_title,
			COUNT(*) FILTER (WHERE COALESCE(a.meta_description, '') <> '') AS with_meta_description,
			COUNT(*) FILTER (WHERE a.needs_review) AS needs_review
		FROM articles a`

	var stats domain.ContentStats
	if err := sqlx.GetContext(ctx, e, &stats, query); err != nil {
		return nil, wrapErr("content stats", err)
	}

	stats.ByStatus = make(map[domain.ArticleStatus]int)
	rows, err := e.QueryContext(ctx, `SELECT status, COUNT(*) FROM articles GROUP BY status`)
	if err != nil {
		return nil, wrapErr("count articles by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.ArticleStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapErr("scan status count", err)
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("count articles by status", err)
	}

	stats.TagDistribution = make(map[string]int)
	tagRows, err := e.QueryContext(ctx, `
		SELECT t.slug, COUNT(*)
		FROM article_tags at
		INNER JOIN tags t ON t.id = at.tag_id
		GROUP BY t.slug`)
	if err != nil {
		return nil, wrapErr("tag distribution", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var slug string
		var n int
		if err := tagRows.Scan(&slug, &n); err != nil {
			return nil, wrapErr("scan tag count", err)
		}
		stats.TagDistribution[slug] = n
	}
	if err := tagRows.Err(); err != nil {
		return nil, wrapErr("tag distribution", err)
	}

	return &stats, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
