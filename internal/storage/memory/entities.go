package memory

import (
	"context"
	"sort"

	"content_sync/internal/domain"
)

type TagStore struct {
	s *Store
}

func (t *TagStore) FindBySlug(ctx context.Context, slug string) (*domain.Tag, error) {
	var out *domain.Tag
	err := t.s.view(ctx, func(st *state) error {
		tag, ok := st.tags[slug]
		if !ok {
			return domain.ErrNotFound
		}
		out = &tag
		return nil
	})
	return out, err
}

func (t *TagStore) Upsert(ctx context.Context, tag *domain.Tag) (int64, error) {
	var id int64
	err := t.s.view(ctx, func(st *state) error {
		stored := *tag
		if existing, ok := st.tags[tag.Slug]; ok {
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		} else {
			stored.ID = st.id()
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = t.s.now()
			}
		}
		st.tags[stored.Slug] = stored
		id = stored.ID
		return nil
	})
	return id, err
}

func (t *TagStore) List(ctx context.Context) ([]domain.Tag, error) {
	var out []domain.Tag
	err := t.s.view(ctx, func(st *state) error {
		for _, tag := range st.tags {
			out = append(out, tag)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, err
}

func (t *TagStore) DeleteExcept(ctx context.Context, slugs []string) (int64, error) {
	keep := toSet(slugs)
	var n int64
	err := t.s.view(ctx, func(st *state) error {
		for slug, tag := range st.tags {
			if _, ok := keep[slug]; ok {
				continue
			}
			delete(st.tags, slug)
			for _, set := range st.links {
				delete(set, tag.ID)
			}
			n++
		}
		return nil
	})
	return n, err
}

// LinkToArticle replaces the article's tag set.
func (t *TagStore) LinkToArticle(ctx context.Context, articleID int64, tagIDs []int64) error {
	return t.s.view(ctx, func(st *state) error {
		set := make(map[int64]struct{}, len(tagIDs))
		for _, id := range tagIDs {
			set[id] = struct{}{}
		}
		st.links[articleID] = set
		return nil
	})
}

func (t *TagStore) GetByArticleID(ctx context.Context, articleID int64) ([]domain.Tag, error) {
	var out []domain.Tag
	err := t.s.view(ctx, func(st *state) error {
		for _, tag := range st.tags {
			if _, ok := st.links[articleID][tag.ID]; ok {
				out = append(out, tag)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, err
}

func (t *TagStore) ListLinks(ctx context.Context) ([]domain.ArticleTagLink, error) {
	var out []domain.ArticleTagLink
	err := t.s.view(ctx, func(st *state) error {
		tagSlugs := make(map[int64]string, len(st.tags))
		for _, tag := range st.tags {
			tagSlugs[tag.ID] = tag.Slug
		}
		for _, article := range st.articles {
			for tagID := range st.links[article.ID] {
				if slug, ok := tagSlugs[tagID]; ok {
					out = append(out, domain.ArticleTagLink{ArticleSlug: article.Slug, TagSlug: slug})
				}
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ArticleSlug != out[j].ArticleSlug {
			return out[i].ArticleSlug < out[j].ArticleSlug
		}
		return out[i].TagSlug < out[j].TagSlug
	})
	return out, err
}

type SeriesStore struct {
	s *Store
}

func (r *SeriesStore) FindBySlug(ctx context.Context, slug string) (*domain.Series, error) {
	var out *domain.Series
	err := r.s.view(ctx, func(st *state) error {
		series, ok := st.series[slug]
		if !ok {
			return domain.ErrNotFound
		}
		out = &series
		return nil
	})
	return out, err
}

func (r *SeriesStore) Upsert(ctx context.Context, series *domain.Series) (int64, error) {
	var id int64
	err := r.s.view(ctx, func(st *state) error {
		now := r.s.now()
		stored := *series
		if existing, ok := st.series[series.Slug]; ok {
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		} else {
			stored.ID = st.id()
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = now
		}
		st.series[stored.Slug] = stored
		id = stored.ID
		return nil
	})
	return id, err
}

func (r *SeriesStore) List(ctx context.Context) ([]domain.Series, error) {
	var out []domain.Series
	err := r.s.view(ctx, func(st *state) error {
		for _, series := range st.series {
			out = append(out, series)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, err
}

// DeleteExcept detaches articles from removed series.
func (r *SeriesStore) DeleteExcept(ctx context.Context, slugs []string) (int64, error) {
	keep := toSet(slugs)
	var n int64
	err := r.s.view(ctx, func(st *state) error {
		for slug, series := range st.series {
			if _, ok := keep[slug]; ok {
				continue
			}
			delete(st.series, slug)
			for key, article := range st.articles {
				if article.SeriesID != nil && *article.SeriesID == series.ID {
					article.SeriesID = nil
					st.articles[key] = article
				}
			}
			n++
		}
		return nil
	})
	return n, err
}

type UserStore struct {
	s *Store
}

func (u *UserStore) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	var out *domain.User
	err := u.s.view(ctx, func(st *state) error {
		user, ok := st.users[username]
		if !ok {
			return domain.ErrNotFound
		}
		out = &user
		return nil
	})
	return out, err
}

func (u *UserStore) Upsert(ctx context.Context, user *domain.User) (int64, error) {
	var id int64
	err := u.s.view(ctx, func(st *state) error {
		now := u.s.now()
		stored := *user
		if existing, ok := st.users[user.Username]; ok {
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		} else {
			stored.ID = st.id()
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = now
		}
		st.users[stored.Username] = stored
		id = stored.ID
		return nil
	})
	return id, err
}

func (u *UserStore) List(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	err := u.s.view(ctx, func(st *state) error {
		for _, user := range st.users {
			out = append(out, user)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, err
}

// DeleteExcept detaches articles from removed authors.
func (u *UserStore) DeleteExcept(ctx context.Context, usernames []string) (int64, error) {
	keep := toSet(usernames)
	var n int64
	err := u.s.view(ctx, func(st *state) error {
		for name, user := range st.users {
			if _, ok := keep[name]; ok {
				continue
			}
			delete(st.users, name)
			for key, article := range st.articles {
				if article.AuthorID != nil && *article.AuthorID == user.ID {
					article.AuthorID = nil
					st.articles[key] = article
				}
			}
			n++
		}
		return nil
	})
	return n, err
}

type SyncStateStore struct {
	s *Store
}

// Get returns an empty state for sources that never ran.
func (r *SyncStateStore) Get(ctx context.Context, sourceID string) (*domain.SyncState, error) {
	var out *domain.SyncState
	err := r.s.view(ctx, func(st *state) error {
		ss, ok := st.syncStates[sourceID]
		if !ok {
			ss = domain.SyncState{SourceID: sourceID}
		}
		out = &ss
		return nil
	})
	return out, err
}

func (r *SyncStateStore) Update(ctx context.Context, syncState *domain.SyncState) error {
	return r.s.view(ctx, func(st *state) error {
		stored := *syncState
		if existing, ok := st.syncStates[stored.SourceID]; ok {
			stored.ID = existing.ID
		} else {
			stored.ID = st.id()
		}
		st.syncStates[stored.SourceID] = stored
		return nil
	})
}
