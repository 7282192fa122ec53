package postgres

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"content_sync/internal/domain"
)

type TagStore struct {
	db *sqlx.DB
}

func NewTagStore(db *sqlx.DB) *TagStore {
	return &TagStore{db: db}
}

func (s *TagStore) FindBySlug(ctx context.Context, slug string) (*domain.Tag, error) {
	var tag domain.Tag
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &tag,
		`SELECT id, slug, name, created_at FROM tags WHERE slug = $1`, slug)
	if err != nil {
		return nil, wrapErr("find tag "+slug, err)
	}
	return &tag, nil
}

func (s *TagStore) Upsert(ctx context.Context, tag *domain.Tag) (int64, error) {
	query := `
		INSERT INTO tags (slug, name, created_at)
		VALUES ($1, $2, COALESCE($3, NOW()))
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	var id int64
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		tag.Slug, tag.Name, nullTime(tag.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("upsert tag "+tag.Slug, err)
	}
	return id, nil
}

func (s *TagStore) List(ctx context.Context) ([]domain.Tag, error) {
	var tags []domain.Tag
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &tags,
		`SELECT id, slug, name, created_at FROM tags ORDER BY slug`)
	if err != nil {
		return nil, wrapErr("list tags", err)
	}
	return tags, nil
}

func (s *TagStore) DeleteExcept(ctx context.Context, slugs []string) (int64, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM tags WHERE NOT (slug = ANY($1))`,
		keepList(slugs),
	)
	if err != nil {
		return 0, wrapErr("delete tags", err)
	}
	return res.RowsAffected()
}

// LinkToArticle replaces the article's tag set with tagIDs.
func (s *TagStore) LinkToArticle(ctx context.Context, articleID int64, tagIDs []int64) error {
	e := GetExecutor(ctx, s.db)

	_, err := e.ExecContext(ctx,
		"DELETE FROM article_tags WHERE article_id = $1",
		articleID,
	)
	if err != nil {
		return wrapErr("unlink tags", err)
	}

	if len(tagIDs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO article_tags (article_id, tag_id) VALUES ")
	valueArgs := make([]interface{}, 0, len(tagIDs)+1)
	valueArgs = append(valueArgs, articleID)

	for i, tagID := range tagIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("($1, $")
		sb.WriteString(itoa(i + 2))
		sb.WriteString(")")
		valueArgs = append(valueArgs, tagID)
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")

	_, err = e.ExecContext(ctx, sb.String(), valueArgs...)
	return wrapErr("link tags", err)
}

func (s *TagStore) GetByArticleID(ctx context.Context, articleID int64) ([]domain.Tag, error) {
	query := `
		SELECT t.id, t.slug, t.name, t.created_at
		FROM tags t
		INNER JOIN article_tags at ON at.tag_id = t.id
		WHERE at.article_id = $1
		ORDER BY t.slug`

	var tags []domain.Tag
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &tags, query, articleID); err != nil {
		return nil, wrapErr("get article tags", err)
	}
	return tags, nil
}

func (s *TagStore) ListLinks(ctx context.Context) ([]domain.ArticleTagLink, error) {
	query := `
		SELECT a.slug AS article_slug, t.slug AS tag_slug
		FROM article_tags at
		INNER JOIN articles a ON a.id = at.article_id
		INNER JOIN tags t ON t.id = at.tag_id
		ORDER BY a.slug, t.slug`

	var links []domain.ArticleTagLink
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &links, query); err != nil {
		return nil, wrapErr("list tag links", err)
	}
	return links, nil
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return itoa(i/10) + string(rune('0'+i%10))
}
