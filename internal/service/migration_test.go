package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"content_sync/internal/domain"
	"content_sync/internal/service/mocks"
	"content_sync/internal/storage/memory"
	"content_sync/internal/testutil"
)

type MigrationEngineTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller
	ctx  context.Context

	platform *mocks.MockPlatform
	store    *memory.Store
	stores   Stores
	tracker  *AnalyticsCollector
	engine   *MigrationEngine
}

func (s *MigrationEngineTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.ctx = context.Background()

	s.platform = mocks.NewMockPlatform(s.ctrl)
	s.platform.EXPECT().ID().Return("hashnode").AnyTimes()

	s.store = memory.New()
	s.stores = memoryStores(s.store)
	s.tracker = NewAnalyticsCollector(s.stores.Articles)
	s.engine = NewMigrationEngine(s.platform, s.stores, s.tracker, nil, testutil.DiscardLogger())
}

func (s *MigrationEngineTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestMigrationEngineTestSuite(t *testing.T) {
	suite.Run(t, new(MigrationEngineTestSuite))
}

func (s *MigrationEngineTestSuite) TestMigrate_ImportsThenIsIdempotent() {
	expectPaging(s.platform, samplePosts())

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 1})
	s.Require().NoError(err)
	s.Equal(2, result.Imported)
	s.Equal(0, result.Failed)

	published, err := s.stores.Articles.FindBySlug(s.ctx, "published-post")
	s.Require().NoError(err)
	s.Equal(domain.StatusPublished, published.Status)
	s.Require().NotNil(published.ExternalID)
	s.Equal("p1", *published.ExternalID)
	s.Equal(1, published.ReadingTime)
	s.NotEmpty(published.Excerpt)

	draft, err := s.stores.Articles.FindBySlug(s.ctx, "draft-post")
	s.Require().NoError(err)
	s.Equal(domain.StatusDraft, draft.Status)

	again, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 1})
	s.Require().NoError(err)
	s.Equal(0, again.Imported)
	s.Equal(2, again.Skipped)

	state, err := s.stores.SyncState.Get(s.ctx, "hashnode")
	s.Require().NoError(err)
	s.Equal(int64(2), state.TotalImported)
}

func (s *MigrationEngineTestSuite) TestMigrate_IdempotentForAnyBatchSize() {
	posts := make([]domain.ExternalPost, 0, 7)
	for _, slug := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		posts = append(posts, domain.ExternalPost{ID: "id-" + slug, Title: "Title " + slug, Slug: slug})
	}
	expectPaging(s.platform, posts)

	first, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 3})
	s.Require().NoError(err)
	s.Equal(7, first.Imported)

	for _, size := range []int{1, 2, 7, 50} {
		result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: size})
		s.Require().NoError(err)
		s.Equal(0, result.Imported, "batch size %d", size)
		s.Equal(7, result.Skipped, "batch size %d", size)
	}
}

func (s *MigrationEngineTestSuite) TestMigrate_ResumesAfterPartialImport() {
	posts := samplePosts()
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{Slug: "published-post", Title: "Local copy"})
	s.Require().NoError(err)
	expectPaging(s.platform, posts)

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 10})
	s.Require().NoError(err)
	s.Equal(1, result.Imported)
	s.Equal(1, result.Skipped)

	local, err := s.stores.Articles.FindBySlug(s.ctx, "published-post")
	s.Require().NoError(err)
	s.Equal("Local copy", local.Title)
}

func (s *MigrationEngineTestSuite) TestMigrate_EmptySource() {
	expectPaging(s.platform, nil)

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 5})
	s.Require().NoError(err)
	s.Equal(0, result.Imported)
	s.Equal(0, result.Failed)
}

func (s *MigrationEngineTestSuite) TestMigrate_DryRunDoesNotWrite() {
	expectPaging(s.platform, samplePosts())

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 2, DryRun: true})
	s.Require().NoError(err)
	s.True(result.DryRun)
	s.Equal(0, result.Imported)
	s.Equal([]string{"published-post", "draft-post"}, result.WouldImport)

	articles, err := s.stores.Articles.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(articles)
}

func (s *MigrationEngineTestSuite) TestMigrate_InvalidRecordIsNotFatal() {
	posts := append(samplePosts(), domain.ExternalPost{ID: "p3", Slug: "no-title"})
	expectPaging(s.platform, posts)
	s.tracker.StartRun("migrate", 0)

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 2})
	s.Require().NoError(err)
	s.Equal(2, result.Imported)
	s.Equal(1, result.Failed)
	s.Require().Len(result.Errors, 1)
	s.Equal("title", result.Errors[0].Field)

	run, ok := s.tracker.Metrics()
	s.Require().True(ok)
	s.Equal(1, run.Errors)
	s.Equal(3, run.Processed)
	s.Equal(3, run.Total)
	s.Equal(100.0, run.Progress)
}

func (s *MigrationEngineTestSuite) TestMigrate_NormalizesTagsAndRelations() {
	posts := []domain.ExternalPost{
		{
			ID: "p1", Title: "One", Slug: "one",
			Tags:   []domain.ExternalTag{{Name: "Go Lang", Slug: "Go-Lang"}, {Name: "go lang"}},
			Series: &domain.ExternalSeries{Name: "Deep Dives", Slug: "deep-dives"},
			Author: &domain.ExternalAuthor{Username: "ada", Name: "Ada"},
		},
		{
			ID: "p2", Title: "Two", Slug: "two",
			Tags: []domain.ExternalTag{{Name: "GO LANG", Slug: "go-lang"}},
		},
	}
	expectPaging(s.platform, posts)

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 10})
	s.Require().NoError(err)
	s.Equal(2, result.Imported)

	tags, err := s.stores.Tags.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(tags, 1)
	s.Equal("go-lang", tags[0].Slug)

	one, err := s.stores.Articles.FindBySlug(s.ctx, "one")
	s.Require().NoError(err)
	s.NotNil(one.SeriesID)
	s.NotNil(one.AuthorID)

	links, err := s.stores.Tags.ListLinks(s.ctx)
	s.Require().NoError(err)
	s.Len(links, 2)
}

func (s *MigrationEngineTestSuite) TestMigrate_ConnectionErrorAborts() {
	connErr := &domain.ConnectionError{Target: "platform", Err: errors.New("dial tcp: refused")}
	s.platform.EXPECT().ListPosts(gomock.Any(), "", 10).Return(nil, connErr)

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 10})
	s.Require().Error(err)
	s.True(domain.IsFatal(err))
	s.Equal(0, result.Imported)
}

func (s *MigrationEngineTestSuite) TestMigrate_StoreConnectionErrorAborts() {
	s.stores.Articles = &failingCreate{
		ArticleStore: s.stores.Articles,
		err:          &domain.ConnectionError{Target: "postgres", Err: errors.New("bad connection")},
	}
	s.engine = NewMigrationEngine(s.platform, s.stores, s.tracker, nil, testutil.DiscardLogger())
	expectPaging(s.platform, samplePosts())

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 1})
	s.Require().Error(err)
	s.True(domain.IsFatal(err))
	s.Equal(0, result.Imported)
	s.Equal(0, result.Failed)
}

func (s *MigrationEngineTestSuite) TestMigrate_WriteFailureIsPerRecord() {
	s.stores.Articles = &failingCreate{ArticleStore: s.stores.Articles, err: errors.New("constraint violated")}
	s.engine = NewMigrationEngine(s.platform, s.stores, s.tracker, nil, testutil.DiscardLogger())
	expectPaging(s.platform, samplePosts())

	result, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 1})
	s.Require().NoError(err)
	s.Equal(2, result.Failed)
	s.Len(result.Errors, 2)
}

func (s *MigrationEngineTestSuite) TestMigrate_Cancelled() {
	expectPaging(s.platform, samplePosts())
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.engine.Migrate(ctx, MigrateOptions{BatchSize: 1})
	s.ErrorIs(err, context.Canceled)

	articles, err := s.stores.Articles.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(articles)
}

func (s *MigrationEngineTestSuite) TestMigrate_ScheduledStatus() {
	future := time.Now().Add(48 * time.Hour)
	expectPaging(s.platform, []domain.ExternalPost{{ID: "p9", Title: "Later", Slug: "later", PublishedAt: &future}})

	_, err := s.engine.Migrate(s.ctx, MigrateOptions{BatchSize: 1})
	s.Require().NoError(err)

	later, err := s.stores.Articles.FindBySlug(s.ctx, "later")
	s.Require().NoError(err)
	s.Equal(domain.StatusScheduled, later.Status)
}
