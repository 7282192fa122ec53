//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"content_sync/internal/domain"
	"content_sync/internal/service"
	"content_sync/internal/testutil"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := Connect(s.ctx, connStr)
	s.Require().NoError(err)
	s.db = db

	s.Require().NoError(Migrate(s.db))
	// Applying twice is a no-op.
	s.Require().NoError(Migrate(s.db))
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM article_tags")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM articles")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM tags")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM series")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM users")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM sync_state")
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func (s *PostgresIntegrationSuite) stores() service.Stores {
	return service.Stores{
		Articles:  NewArticleStore(s.db),
		Tags:      NewTagStore(s.db),
		Series:    NewSeriesStore(s.db),
		Users:     NewUserStore(s.db),
		SyncState: NewSyncStateStore(s.db),
		Tx:        NewTransactionManager(s.db),
	}
}

func (s *PostgresIntegrationSuite) TestConnect_Unreachable() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, "host=127.0.0.1 port=1 user=x dbname=x sslmode=disable")
	s.Error(err)
	s.True(domain.IsFatal(err))
}

func (s *PostgresIntegrationSuite) TestArticleStore_CreateAndFind() {
	store := NewArticleStore(s.db)

	id, err := store.Create(s.ctx, &domain.Article{
		Slug:       "hello",
		ExternalID: testutil.Ptr("ext-1"),
		Title:      "Hello",
		Status:     domain.StatusPublished,
	})
	s.Require().NoError(err)
	s.Greater(id, int64(0))

	bySlug, err := store.FindBySlug(s.ctx, "hello")
	s.Require().NoError(err)
	s.Equal(id, bySlug.ID)
	s.False(bySlug.CreatedAt.IsZero())

	byExternal, err := store.FindByExternalID(s.ctx, "ext-1")
	s.Require().NoError(err)
	s.Equal("hello", byExternal.Slug)

	_, err = store.FindBySlug(s.ctx, "missing")
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *PostgresIntegrationSuite) TestArticleStore_CreateDuplicateKeepsTransaction() {
	store := NewArticleStore(s.db)
	tm := NewTransactionManager(s.db)

	_, err := store.Create(s.ctx, &domain.Article{Slug: "dup", Title: "First", Status: domain.StatusDraft})
	s.Require().NoError(err)

	err = tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		_, err := store.Create(ctx, &domain.Article{Slug: "dup", Title: "Second", Status: domain.StatusDraft})
		s.ErrorIs(err, domain.ErrDuplicate)

		_, err = store.Create(ctx, &domain.Article{Slug: "other", Title: "Other", Status: domain.StatusDraft})
		return err
	})
	s.Require().NoError(err)

	articles, err := store.List(s.ctx)
	s.Require().NoError(err)
	s.Len(articles, 2)
}

func (s *PostgresIntegrationSuite) TestArticleStore_UpdateAndUpsert() {
	store := NewArticleStore(s.db)
	created := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)

	id, err := store.Upsert(s.ctx, &domain.Article{
		Slug:      "post",
		Title:     "Original",
		Status:    domain.StatusDraft,
		CreatedAt: created,
		UpdatedAt: created,
	})
	s.Require().NoError(err)

	article, err := store.FindBySlug(s.ctx, "post")
	s.Require().NoError(err)
	s.True(article.CreatedAt.Equal(created))

	article.Title = "Edited"
	article.NeedsReview = true
	s.Require().NoError(store.Update(s.ctx, article))

	again, err := store.Upsert(s.ctx, &domain.Article{Slug: "post", Title: "Restored", Status: domain.StatusPublished})
	s.Require().NoError(err)
	s.Equal(id, again)

	article, err = store.FindBySlug(s.ctx, "post")
	s.Require().NoError(err)
	s.Equal("Restored", article.Title)
	s.True(article.CreatedAt.Equal(created))

	err = store.Update(s.ctx, &domain.Article{ID: id + 1000, Slug: "ghost", Title: "Ghost", Status: domain.StatusDraft})
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *PostgresIntegrationSuite) TestArticleStore_MarkForReviewKeepsUpdatedAt() {
	store := NewArticleStore(s.db)
	updated := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)

	id, err := store.Upsert(s.ctx, &domain.Article{
		Slug:      "post",
		Title:     "Post",
		Status:    domain.StatusPublished,
		CreatedAt: updated,
		UpdatedAt: updated,
	})
	s.Require().NoError(err)

	s.Require().NoError(store.MarkForReview(s.ctx, id))

	article, err := store.FindBySlug(s.ctx, "post")
	s.Require().NoError(err)
	s.True(article.NeedsReview)
	s.True(article.UpdatedAt.Equal(updated))

	s.ErrorIs(store.MarkForReview(s.ctx, id+1000), domain.ErrNotFound)
}

func (s *PostgresIntegrationSuite) TestTagStore_LinkReplacesAndLists() {
	tags := NewTagStore(s.db)
	articles := NewArticleStore(s.db)

	articleID, err := articles.Create(s.ctx, &domain.Article{Slug: "tagged", Title: "Tagged", Status: domain.StatusPublished})
	s.Require().NoError(err)

	var ids []int64
	for _, slug := range []string{"go", "sql", "testing"} {
		id, err := tags.Upsert(s.ctx, &domain.Tag{Slug: slug, Name: slug})
		s.Require().NoError(err)
		ids = append(ids, id)
	}

	s.Require().NoError(tags.LinkToArticle(s.ctx, articleID, ids[:2]))
	s.Require().NoError(tags.LinkToArticle(s.ctx, articleID, ids[2:]))

	linked, err := tags.GetByArticleID(s.ctx, articleID)
	s.Require().NoError(err)
	s.Require().Len(linked, 1)
	s.Equal("testing", linked[0].Slug)

	links, err := tags.ListLinks(s.ctx)
	s.Require().NoError(err)
	s.Equal([]domain.ArticleTagLink{{ArticleSlug: "tagged", TagSlug: "testing"}}, links)
}

func (s *PostgresIntegrationSuite) TestDeleteExcept_DetachesAndCascades() {
	st := s.stores()

	seriesID, err := st.Series.Upsert(s.ctx, &domain.Series{Slug: "guide", Name: "Guide"})
	s.Require().NoError(err)
	authorID, err := st.Users.Upsert(s.ctx, &domain.User{Username: "ada", Name: "Ada", Role: "author"})
	s.Require().NoError(err)
	tagID, err := st.Tags.Upsert(s.ctx, &domain.Tag{Slug: "go", Name: "Go"})
	s.Require().NoError(err)

	articleID, err := st.Articles.Create(s.ctx, &domain.Article{
		Slug: "keep", Title: "Keep", Status: domain.StatusPublished,
		SeriesID: &seriesID, AuthorID: &authorID,
	})
	s.Require().NoError(err)
	s.Require().NoError(st.Tags.LinkToArticle(s.ctx, articleID, []int64{tagID}))
	_, err = st.Articles.Create(s.ctx, &domain.Article{Slug: "drop", Title: "Drop", Status: domain.StatusDraft})
	s.Require().NoError(err)

	n, err := st.Articles.DeleteExcept(s.ctx, []string{"keep"})
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	_, err = st.Tags.DeleteExcept(s.ctx, nil)
	s.Require().NoError(err)
	_, err = st.Series.DeleteExcept(s.ctx, []string{})
	s.Require().NoError(err)
	_, err = st.Users.DeleteExcept(s.ctx, nil)
	s.Require().NoError(err)

	kept, err := st.Articles.FindBySlug(s.ctx, "keep")
	s.Require().NoError(err)
	s.Nil(kept.SeriesID)
	s.Nil(kept.AuthorID)

	links, err := st.Tags.ListLinks(s.ctx)
	s.Require().NoError(err)
	s.Empty(links)
}

func (s *PostgresIntegrationSuite) TestArticleStore_Stats() {
	st := s.stores()

	tagID, err := st.Tags.Upsert(s.ctx, &domain.Tag{Slug: "go", Name: "Go"})
	s.Require().NoError(err)
	id, err := st.Articles.Create(s.ctx, &domain.Article{
		Slug: "full", Title: "Full", Content: "body", Excerpt: "short",
		CoverImage: testutil.Ptr("https://img"), MetaTitle: testutil.Ptr("Meta"),
		Status: domain.StatusPublished,
	})
	s.Require().NoError(err)
	s.Require().NoError(st.Tags.LinkToArticle(s.ctx, id, []int64{tagID}))
	_, err = st.Articles.Create(s.ctx, &domain.Article{Slug: "bare", Title: "Bare", Status: domain.StatusDraft, NeedsReview: true})
	s.Require().NoError(err)

	stats, err := st.Articles.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Articles)
	s.Equal(1, stats.Tags)
	s.Equal(2, stats.WithTitle)
	s.Equal(1, stats.WithContent)
	s.Equal(1, stats.WithExcerpt)
	s.Equal(1, stats.WithTags)
	s.Equal(1, stats.WithCover)
	s.Equal(1, stats.WithMetaTitle)
	s.Equal(0, stats.WithMetaDescription)
	s.Equal(1, stats.NeedsReview)
	s.Equal(map[domain.ArticleStatus]int{domain.StatusPublished: 1, domain.StatusDraft: 1}, stats.ByStatus)
	s.Equal(map[string]int{"go": 1}, stats.TagDistribution)
}

func (s *PostgresIntegrationSuite) TestSyncStateStore_GetNewAndUpdate() {
	store := NewSyncStateStore(s.db)

	state, err := store.Get(s.ctx, "hashnode")
	s.Require().NoError(err)
	s.Equal("hashnode", state.SourceID)
	s.True(state.LastSyncedAt.IsZero())

	now := time.Now().Truncate(time.Microsecond)
	s.Require().NoError(store.Update(s.ctx, &domain.SyncState{
		SourceID: "hashnode", LastSyncedAt: now, LastCursor: "c2", TotalImported: 7,
	}))

	state, err = store.Get(s.ctx, "hashnode")
	s.Require().NoError(err)
	s.Equal("c2", state.LastCursor)
	s.Equal(int64(7), state.TotalImported)
	s.WithinDuration(now, state.LastSyncedAt, time.Second)
}

func (s *PostgresIntegrationSuite) TestTransaction_Rollback() {
	tm := NewTransactionManager(s.db)
	store := NewArticleStore(s.db)

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		if _, err := store.Create(ctx, &domain.Article{Slug: "rolled", Title: "Rolled", Status: domain.StatusDraft}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	s.EqualError(err, "boom")

	_, err = store.FindBySlug(s.ctx, "rolled")
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *PostgresIntegrationSuite) TestExclusiveTransaction_NestedJoins() {
	tm := NewTransactionManager(s.db)
	store := NewArticleStore(s.db)

	err := tm.WithExclusiveTransaction(s.ctx, func(ctx context.Context) error {
		return tm.WithTransaction(ctx, func(inner context.Context) error {
			s.Same(GetTxFromContext(ctx), GetTxFromContext(inner))
			_, err := store.Create(inner, &domain.Article{Slug: "locked", Title: "Locked", Status: domain.StatusDraft})
			return err
		})
	})
	s.Require().NoError(err)

	_, err = store.FindBySlug(s.ctx, "locked")
	s.NoError(err)
}

func (s *PostgresIntegrationSuite) TestSnapshotRoundTrip() {
	st := s.stores()
	snapshots := service.NewSnapshotStore(s.T().TempDir(), st, nil, testutil.DiscardLogger())

	tagID, err := st.Tags.Upsert(s.ctx, &domain.Tag{Slug: "go", Name: "Go"})
	s.Require().NoError(err)
	id, err := st.Articles.Create(s.ctx, &domain.Article{Slug: "original", Title: "Original", Status: domain.StatusPublished})
	s.Require().NoError(err)
	s.Require().NoError(st.Tags.LinkToArticle(s.ctx, id, []int64{tagID}))

	snap, err := snapshots.Create(s.ctx, domain.SnapshotFull, "integration")
	s.Require().NoError(err)

	_, err = st.Articles.Create(s.ctx, &domain.Article{Slug: "later", Title: "Later", Status: domain.StatusDraft})
	s.Require().NoError(err)

	_, err = snapshots.Restore(s.ctx, snap.ID)
	s.Require().NoError(err)

	articles, err := st.Articles.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(articles, 1)
	s.Equal("original", articles[0].Slug)

	links, err := st.Tags.ListLinks(s.ctx)
	s.Require().NoError(err)
	s.Equal([]domain.ArticleTagLink{{ArticleSlug: "original", TagSlug: "go"}}, links)
}

func (s *PostgresIntegrationSuite) TestSnapshotRestoreAfterRename() {
	st := s.stores()
	snapshots := service.NewSnapshotStore(s.T().TempDir(), st, nil, testutil.DiscardLogger())

	id, err := st.Articles.Create(s.ctx, &domain.Article{
		Slug:       "old",
		ExternalID: testutil.Ptr("X"),
		Title:      "Old",
		Status:     domain.StatusPublished,
	})
	s.Require().NoError(err)

	snap, err := snapshots.Create(s.ctx, domain.SnapshotFull, "before rename")
	s.Require().NoError(err)

	article, err := st.Articles.FindBySlug(s.ctx, "old")
	s.Require().NoError(err)
	article.Slug = "new"
	s.Require().NoError(st.Articles.Update(s.ctx, article))

	_, err = snapshots.Restore(s.ctx, snap.ID)
	s.Require().NoError(err)

	restored, err := st.Articles.FindByExternalID(s.ctx, "X")
	s.Require().NoError(err)
	s.Equal("old", restored.Slug)
	s.Equal(id, restored.ID)

	articles, err := st.Articles.List(s.ctx)
	s.Require().NoError(err)
	s.Len(articles, 1)
}
