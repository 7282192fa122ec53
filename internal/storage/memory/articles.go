package memory

import (
	"context"
	"sort"

	"content_sync/internal/domain"
)

type ArticleStore struct {
	s *Store
}

func (a *ArticleStore) FindBySlug(ctx context.Context, slug string) (*domain.Article, error) {
	var out *domain.Article
	err := a.s.view(ctx, func(st *state) error {
		article, ok := st.articles[slug]
		if !ok {
			return domain.ErrNotFound
		}
		out = &article
		return nil
	})
	return out, err
}

func (a *ArticleStore) FindByExternalID(ctx context.Context, externalID string) (*domain.Article, error) {
	var out *domain.Article
	err := a.s.view(ctx, func(st *state) error {
		for _, article := range st.articles {
			if article.ExternalID != nil && *article.ExternalID == externalID {
				found := article
				out = &found
				return nil
			}
		}
		return domain.ErrNotFound
	})
	return out, err
}

// externalIDTaken reports whether an article other than the one stored
// under ownSlug carries externalID.
func externalIDTaken(st *state, externalID *string, ownSlug string) bool {
	if externalID == nil {
		return false
	}
	for slug, other := range st.articles {
		if slug != ownSlug && other.ExternalID != nil && *other.ExternalID == *externalID {
			return true
		}
	}
	return false
}

func (a *ArticleStore) Create(ctx context.Context, article *domain.Article) (int64, error) {
	var id int64
	err := a.s.view(ctx, func(st *state) error {
		if _, ok := st.articles[article.Slug]; ok {
			return domain.ErrDuplicate
		}
		if externalIDTaken(st, article.ExternalID, article.Slug) {
			return domain.ErrDuplicate
		}

		now := a.s.now()
		stored := *article
		stored.ID = st.id()
		stored.Tags = nil
		stored.CreatedAt = now
		stored.UpdatedAt = now
		st.articles[stored.Slug] = stored
		id = stored.ID
		return nil
	})
	return id, err
}

func (a *ArticleStore) Update(ctx context.Context, article *domain.Article) error {
	return a.s.view(ctx, func(st *state) error {
		var current *domain.Article
		for _, existing := range st.articles {
			if existing.ID == article.ID {
				found := existing
				current = &found
				break
			}
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if other, ok := st.articles[article.Slug]; ok && other.ID != article.ID {
			return domain.ErrDuplicate
		}
		if externalIDTaken(st, article.ExternalID, current.Slug) {
			return domain.ErrDuplicate
		}

		stored := *article
		stored.Tags = nil
		stored.CreatedAt = current.CreatedAt
		stored.UpdatedAt = a.s.now()
		delete(st.articles, current.Slug)
		st.articles[stored.Slug] = stored
		return nil
	})
}

// MarkForReview sets needs_review without touching updated_at.
func (a *ArticleStore) MarkForReview(ctx context.Context, id int64) error {
	return a.s.view(ctx, func(st *state) error {
		for slug, existing := range st.articles {
			if existing.ID == id {
				existing.NeedsReview = true
				st.articles[slug] = existing
				return nil
			}
		}
		return domain.ErrNotFound
	})
}

// Upsert writes article by slug, keeping the stored id. Timestamps supplied
// by the caller are preserved.
func (a *ArticleStore) Upsert(ctx context.Context, article *domain.Article) (int64, error) {
	var id int64
	err := a.s.view(ctx, func(st *state) error {
		if externalIDTaken(st, article.ExternalID, article.Slug) {
			return domain.ErrDuplicate
		}

		now := a.s.now()
		stored := *article
		stored.Tags = nil
		if existing, ok := st.articles[article.Slug]; ok {
			stored.ID = existing.ID
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = existing.CreatedAt
			}
		} else {
			stored.ID = st.id()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = now
		}
		st.articles[stored.Slug] = stored
		id = stored.ID
		return nil
	})
	return id, err
}

func (a *ArticleStore) List(ctx context.Context) ([]domain.Article, error) {
	var out []domain.Article
	err := a.s.view(ctx, func(st *state) error {
		for _, article := range st.articles {
			out = append(out, article)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (a *ArticleStore) DeleteExcept(ctx context.Context, slugs []string) (int64, error) {
	keep := toSet(slugs)
	var n int64
	err := a.s.view(ctx, func(st *state) error {
		for slug, article := range st.articles {
			if _, ok := keep[slug]; ok {
				continue
			}
			delete(st.articles, slug)
			delete(st.links, article.ID)
			n++
		}
		return nil
	})
	return n, err
}

func (a *ArticleStore) Stats(ctx context.Context) (*domain.ContentStats, error) {
	stats := &domain.ContentStats{
		ByStatus:        make(map[domain.ArticleStatus]int),
		TagDistribution: make(map[string]int),
	}
	err := a.s.view(ctx, func(st *state) error {
		stats.Articles = len(st.articles)
		stats.Tags = len(st.tags)
		stats.Series = len(st.series)
		stats.Users = len(st.users)

		tagSlugs := make(map[int64]string, len(st.tags))
		for _, t := range st.tags {
			tagSlugs[t.ID] = t.Slug
		}

		for _, article := range st.articles {
			stats.ByStatus[article.Status]++
			if article.Title != "" {
				stats.WithTitle++
			}
			if article.Content != "" {
				stats.WithContent++
			}
			if article.Excerpt != "" {
				stats.WithExcerpt++
			}
			if article.CoverImage != nil && *article.CoverImage != "" {
				stats.WithCover++
			}
			if article.MetaTitle != nil && *article.MetaTitle != "" {
				stats.WithMetaTitle++
			}
			if article.MetaDescription != nil && *article.MetaDescription != "" {
				stats.WithMetaDescription++
			}
			if article.NeedsReview {
				stats.NeedsReview++
			}
			if len(st.links[article.ID]) > 0 {
				stats.WithTags++
			}
			for tagID := range st.links[article.ID] {
				stats.TagDistribution[tagSlugs[tagID]]++
			}
		}
		return nil
	})
	return stats, err
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
