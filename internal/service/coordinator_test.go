package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"content_sync/internal/config"
	"content_sync/internal/domain"
	"content_sync/internal/service/mocks"
	"content_sync/internal/storage/memory"
	"content_sync/internal/testutil"
)

const testSecret = "webhook-secret"

type SyncCoordinatorTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller
	ctx  context.Context

	platform *mocks.MockPlatform
	queue    *mocks.MockQueueStore
	observer *mocks.MockObserver
	store    *memory.Store
	stores   Stores

	clock  time.Time
	events []domain.SyncEvent
	cfg    config.SyncConfig
	coord  *SyncCoordinator
}

func (s *SyncCoordinatorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.ctx = context.Background()
	s.clock = time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	s.events = nil

	s.platform = mocks.NewMockPlatform(s.ctrl)
	s.queue = mocks.NewMockQueueStore(s.ctrl)
	s.observer = mocks.NewMockObserver(s.ctrl)
	s.observer.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event domain.SyncEvent) error {
			s.events = append(s.events, event)
			return nil
		},
	).AnyTimes()

	s.store = memory.New()
	s.store.SetClock(func() time.Time { return s.clock })
	s.stores = memoryStores(s.store)

	s.cfg = config.SyncConfig{
		ConflictPolicy: domain.PolicyNewestWins,
		WebhookSecret:  testSecret,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
	s.build()
}

func (s *SyncCoordinatorTestSuite) build() {
	s.coord = NewSyncCoordinator(s.platform, s.stores, s.queue, s.cfg, nil, testutil.DiscardLogger())
	s.coord.now = func() time.Time { return s.clock }
	s.coord.Subscribe(s.observer)
}

func (s *SyncCoordinatorTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSyncCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(SyncCoordinatorTestSuite))
}

func (s *SyncCoordinatorTestSuite) allowQueueWrites() {
	s.queue.EXPECT().SaveItem(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.queue.EXPECT().DeleteItem(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

func (s *SyncCoordinatorTestSuite) webhook(event domain.WebhookEventKind, postID string) []byte {
	body, err := json.Marshal(domain.WebhookPayload{
		Event:       event,
		Post:        domain.WebhookPost{ID: postID, Slug: "post-" + postID},
		Publication: domain.WebhookPublication{ID: "pub", Title: "Blog"},
		Timestamp:   s.clock,
	})
	s.Require().NoError(err)
	return body
}

func (s *SyncCoordinatorTestSuite) remotePost(id, title string, updated time.Time) *domain.ExternalPost {
	return &domain.ExternalPost{
		ID:        id,
		Title:     title,
		Slug:      "post-" + id,
		Content:   "remote content",
		Tags:      []domain.ExternalTag{{Name: "Go", Slug: "go"}},
		UpdatedAt: updated,
	}
}

func (s *SyncCoordinatorTestSuite) seedLinked(id, title string) {
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{
		Slug:       "post-" + id,
		Title:      title,
		ExternalID: testutil.Ptr(id),
		Status:     domain.StatusPublished,
	})
	s.Require().NoError(err)
}

func (s *SyncCoordinatorTestSuite) eventKinds() []domain.SyncEventKind {
	kinds := make([]domain.SyncEventKind, 0, len(s.events))
	for _, e := range s.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (s *SyncCoordinatorTestSuite) TestWebhook_InvalidSignatureRejected() {
	body := s.webhook(domain.EventContentPublished, "p1")

	err := s.coord.HandleWebhook(s.ctx, body, Sign(body, "wrong-secret"))
	s.ErrorIs(err, domain.ErrInvalidSignature)

	err = s.coord.HandleWebhook(s.ctx, body, "")
	s.ErrorIs(err, domain.ErrInvalidSignature)

	articles, err := s.stores.Articles.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(articles)

	status := s.coord.Status()
	s.Equal(int64(0), status.Processed)
	s.Equal(int64(2), status.Rejected)
	s.Equal(0, status.Pending)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_AcceptsPrefixedSignature() {
	body := s.webhook(domain.EventContentPublished, "p1")
	s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Hello", s.clock), nil)

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, "sha256="+Sign(body, testSecret)))
	s.Equal(int64(1), s.coord.Status().Processed)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_PublishedCreatesArticle() {
	body := s.webhook(domain.EventContentPublished, "p1")
	s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Hello", s.clock), nil)

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret)))

	article, err := s.stores.Articles.FindByExternalID(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal("Hello", article.Title)
	s.Equal("post-p1", article.Slug)

	tags, err := s.stores.Tags.GetByArticleID(s.ctx, article.ID)
	s.Require().NoError(err)
	s.Len(tags, 1)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_UpdatedNewerRemoteApplies() {
	s.seedLinked("p1", "Local")
	body := s.webhook(domain.EventContentUpdated, "p1")
	s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Remote", s.clock.Add(time.Hour)), nil)

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret)))

	article, err := s.stores.Articles.FindBySlug(s.ctx, "post-p1")
	s.Require().NoError(err)
	s.Equal("Remote", article.Title)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_UpdatedOlderRemoteIgnored() {
	s.seedLinked("p1", "Local")
	body := s.webhook(domain.EventContentUpdated, "p1")
	s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Remote", s.clock.Add(-time.Hour)), nil)

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret)))

	article, err := s.stores.Articles.FindBySlug(s.ctx, "post-p1")
	s.Require().NoError(err)
	s.Equal("Local", article.Title)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_EqualTimestampsKeepLocal() {
	s.seedLinked("p1", "Local")
	body := s.webhook(domain.EventContentUpdated, "p1")
	s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Remote", s.clock), nil)

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret)))

	article, err := s.stores.Articles.FindBySlug(s.ctx, "post-p1")
	s.Require().NoError(err)
	s.Equal("Local", article.Title)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_ExternalWinsOverridesTimestamps() {
	s.cfg.ConflictPolicy = domain.PolicyExternalWins
	s.build()
	s.seedLinked("p1", "Local")
	body := s.webhook(domain.EventContentUpdated, "p1")
	s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Remote", s.clock.Add(-time.Hour)), nil)

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret)))

	article, err := s.stores.Articles.FindBySlug(s.ctx, "post-p1")
	s.Require().NoError(err)
	s.Equal("Remote", article.Title)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_ManualFlagDoesNotApply() {
	s.cfg.ConflictPolicy = domain.PolicyManualFlag
	s.build()
	s.seedLinked("p1", "Local")
	seededAt := s.clock
	s.clock = s.clock.Add(time.Minute)
	body := s.webhook(domain.EventContentUpdated, "p1")
	s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Remote", s.clock.Add(time.Hour)), nil)

	var saved *domain.Conflict
	s.queue.EXPECT().SaveConflict(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, c *domain.Conflict) error {
			saved = c
			return nil
		},
	)

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret)))

	article, err := s.stores.Articles.FindBySlug(s.ctx, "post-p1")
	s.Require().NoError(err)
	s.Equal("Local", article.Title)
	s.True(article.NeedsReview)
	s.True(article.UpdatedAt.Equal(seededAt), "flagging keeps updated_at")

	s.Require().NotNil(saved)
	s.Equal("post-p1", saved.ArticleSlug)
	s.Equal(domain.PolicyManualFlag, saved.Policy)
	s.Contains(s.eventKinds(), domain.EventConflictFlagged)
	s.Equal(int64(1), s.coord.Status().Conflicts)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_ManualFlagIgnoresRedelivery() {
	s.cfg.ConflictPolicy = domain.PolicyManualFlag
	s.build()
	synced := s.clock
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{
		Slug:         "post-p1",
		Title:        "Local",
		ExternalID:   testutil.Ptr("p1"),
		Status:       domain.StatusPublished,
		LastSyncedAt: &synced,
	})
	s.Require().NoError(err)

	body := s.webhook(domain.EventContentUpdated, "p1")
	s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Remote", s.clock.Add(-time.Hour)), nil)

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret)))

	article, err := s.stores.Articles.FindBySlug(s.ctx, "post-p1")
	s.Require().NoError(err)
	s.Equal("Local", article.Title)
	s.False(article.NeedsReview)
	s.Equal(int64(0), s.coord.Status().Conflicts)
	s.NotContains(s.eventKinds(), domain.EventConflictFlagged)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_DeletedArchivesAndUnlinks() {
	s.seedLinked("p1", "Local")
	body := s.webhook(domain.EventContentDeleted, "p1")

	s.Require().NoError(s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret)))

	article, err := s.stores.Articles.FindBySlug(s.ctx, "post-p1")
	s.Require().NoError(err)
	s.Equal(domain.StatusArchived, article.Status)
	s.Nil(article.ExternalID)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_UnknownEventRejected() {
	body := s.webhook(domain.WebhookEventKind("content_liked"), "p1")

	err := s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret))
	s.ErrorIs(err, domain.ErrValidation)
	s.Equal(int64(1), s.coord.Status().Rejected)
}

func (s *SyncCoordinatorTestSuite) TestWebhook_TransientFailureQueuedThenDrained() {
	s.allowQueueWrites()
	body := s.webhook(domain.EventContentPublished, "p1")

	gomock.InOrder(
		s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(nil, errors.New("502 bad gateway")),
		s.platform.EXPECT().GetPost(gomock.Any(), "p1").Return(s.remotePost("p1", "Hello", s.clock), nil),
	)

	err := s.coord.HandleWebhook(s.ctx, body, Sign(body, testSecret))
	s.ErrorIs(err, ErrRetryQueued)
	s.Equal(int64(0), s.coord.Status().Processed)

	items := s.coord.Items()
	s.Require().Len(items, 1)
	s.Equal(domain.OpPull, items[0].Operation)
	s.Equal(1, items[0].Attempts)
	s.Equal(domain.QueueRetryScheduled, items[0].State)

	stats, err := s.coord.DrainQueue(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, stats.Attempted, "not eligible before backoff elapses")

	s.clock = s.clock.Add(2 * time.Second)
	stats, err = s.coord.DrainQueue(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Succeeded)
	s.Empty(s.coord.Items())
	s.Equal(int64(1), s.coord.Status().Processed)

	_, err = s.stores.Articles.FindByExternalID(s.ctx, "p1")
	s.NoError(err)
}

func (s *SyncCoordinatorTestSuite) TestPush_CreatesThenUpdates() {
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{Slug: "local", Title: "Local", Status: domain.StatusPublished})
	s.Require().NoError(err)

	s.platform.EXPECT().CreatePost(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, post *domain.ExternalPost) (string, error) {
			s.Equal("local", post.Slug)
			s.False(post.Draft)
			return "remote-1", nil
		},
	)
	s.Require().NoError(s.coord.PushOutbound(s.ctx, "local"))

	article, err := s.stores.Articles.FindBySlug(s.ctx, "local")
	s.Require().NoError(err)
	s.Require().NotNil(article.ExternalID)
	s.Equal("remote-1", *article.ExternalID)
	s.NotNil(article.LastSyncedAt)

	s.platform.EXPECT().UpdatePost(gomock.Any(), "remote-1", gomock.Any()).Return(nil)
	s.Require().NoError(s.coord.PushOutbound(s.ctx, "local"))
	s.Equal(int64(2), s.coord.Status().Pushed)
}

func (s *SyncCoordinatorTestSuite) TestPush_LinkFailureRetryDoesNotCreateTwice() {
	s.allowQueueWrites()
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{Slug: "local", Title: "Local", Status: domain.StatusPublished})
	s.Require().NoError(err)
	s.stores.Articles = &failingUpdate{ArticleStore: s.stores.Articles, failures: 1, err: errors.New("connection reset")}
	s.build()

	s.platform.EXPECT().CreatePost(gomock.Any(), gomock.Any()).Return("remote-1", nil).Times(1)

	err = s.coord.PushOutbound(s.ctx, "local")
	s.ErrorIs(err, ErrRetryQueued)

	items := s.coord.Items()
	s.Require().Len(items, 1)
	s.JSONEq(`{"externalId":"remote-1"}`, string(items[0].Payload))

	s.clock = s.clock.Add(time.Minute)
	stats, err := s.coord.DrainQueue(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Succeeded)
	s.Empty(s.coord.Items())

	article, err := s.stores.Articles.FindBySlug(s.ctx, "local")
	s.Require().NoError(err)
	s.Require().NotNil(article.ExternalID)
	s.Equal("remote-1", *article.ExternalID)
}

func (s *SyncCoordinatorTestSuite) TestPush_DirectFailuresCountAgainstQueuedItem() {
	s.allowQueueWrites()
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{Slug: "local", Title: "Local"})
	s.Require().NoError(err)
	_, err = s.coord.Enqueue(s.ctx, domain.OpPush, "local", nil)
	s.Require().NoError(err)

	s.platform.EXPECT().CreatePost(gomock.Any(), gomock.Any()).Return("", errors.New("503")).Times(3)

	for attempt := 1; attempt <= 3; attempt++ {
		err = s.coord.PushOutbound(s.ctx, "local")
		s.ErrorIs(err, ErrRetryQueued)

		items := s.coord.Items()
		s.Require().Len(items, 1)
		s.Equal(attempt, items[0].Attempts)
	}

	s.Equal(domain.QueueFailed, s.coord.Items()[0].State)
	s.Equal(1, s.coord.Status().Failed)
}

func (s *SyncCoordinatorTestSuite) TestPush_UnknownArticle() {
	err := s.coord.PushOutbound(s.ctx, "missing")
	s.ErrorIs(err, domain.ErrNotFound)
	s.Empty(s.coord.Items())
}

func (s *SyncCoordinatorTestSuite) TestRetryBound_FailsAfterMaxAttempts() {
	s.allowQueueWrites()
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{Slug: "local", Title: "Local"})
	s.Require().NoError(err)

	s.platform.EXPECT().CreatePost(gomock.Any(), gomock.Any()).Return("", errors.New("503")).Times(3)

	err = s.coord.PushOutbound(s.ctx, "local")
	s.ErrorIs(err, ErrRetryQueued)

	s.clock = s.clock.Add(time.Minute)
	stats, err := s.coord.DrainQueue(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Rescheduled)
	s.Equal(2, s.coord.Items()[0].Attempts)

	s.clock = s.clock.Add(time.Minute)
	stats, err = s.coord.DrainQueue(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Failed)

	items := s.coord.Items()
	s.Require().Len(items, 1)
	s.Equal(domain.QueueFailed, items[0].State)
	s.Equal(3, items[0].Attempts)
	s.Contains(s.eventKinds(), domain.EventItemFailed)

	for i := 0; i < 3; i++ {
		s.clock = s.clock.Add(time.Hour)
		stats, err = s.coord.DrainQueue(s.ctx)
		s.Require().NoError(err)
		s.Equal(0, stats.Attempted)
	}
	s.Equal(1, s.coord.Status().Failed)
}

func (s *SyncCoordinatorTestSuite) TestEnqueue_CoalescesSameKey() {
	s.allowQueueWrites()

	first, err := s.coord.Enqueue(s.ctx, domain.OpPush, "local", []byte(`{"v":1}`))
	s.Require().NoError(err)
	second, err := s.coord.Enqueue(s.ctx, domain.OpPush, "local", []byte(`{"v":2}`))
	s.Require().NoError(err)
	_, err = s.coord.Enqueue(s.ctx, domain.OpPush, "other", nil)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Len(s.coord.Items(), 2)
	s.Equal(2, s.coord.Status().Pending)
}

func (s *SyncCoordinatorTestSuite) TestDrain_RunsPendingPush() {
	s.allowQueueWrites()
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{Slug: "local", Title: "Local"})
	s.Require().NoError(err)
	s.platform.EXPECT().CreatePost(gomock.Any(), gomock.Any()).Return("remote-9", nil)

	_, err = s.coord.Enqueue(s.ctx, domain.OpPush, "local", nil)
	s.Require().NoError(err)

	stats, err := s.coord.DrainQueue(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Succeeded)
	s.Equal([]domain.SyncEventKind{domain.EventSyncStarted, domain.EventSyncCompleted}, s.eventKinds())
}

func (s *SyncCoordinatorTestSuite) TestLoad_ResetsInFlightItems() {
	stored := []domain.SyncQueueItem{
		{ID: "a", Operation: domain.OpPush, TargetKey: "x", State: domain.QueueInFlight, Attempts: 1},
		{ID: "b", Operation: domain.OpPush, TargetKey: "y", State: domain.QueueFailed, Attempts: 3},
	}
	s.queue.EXPECT().ListItems(gomock.Any()).Return(stored, nil)
	s.queue.EXPECT().SaveItem(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, item *domain.SyncQueueItem) error {
			s.Equal("a", item.ID)
			s.Equal(domain.QueuePending, item.State)
			return nil
		},
	)

	s.Require().NoError(s.coord.Load(s.ctx))

	status := s.coord.Status()
	s.Equal(1, status.Pending)
	s.Equal(1, status.Failed)
}

func TestBackoff(t *testing.T) {
	initial, maxDelay := time.Second, 10*time.Second

	assert.Equal(t, time.Second, Backoff(0, initial, maxDelay))
	assert.Equal(t, time.Second, Backoff(1, initial, maxDelay))
	assert.Equal(t, 2*time.Second, Backoff(2, initial, maxDelay))
	assert.Equal(t, 8*time.Second, Backoff(4, initial, maxDelay))
	assert.Equal(t, maxDelay, Backoff(5, initial, maxDelay))
	assert.Equal(t, maxDelay, Backoff(80, initial, maxDelay))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"content_published"}`)
	sig := Sign(body, "secret")

	assert.True(t, VerifySignature(body, sig, "secret"))
	assert.True(t, VerifySignature(body, "sha256="+sig, "secret"))
	assert.False(t, VerifySignature(body, sig, "other"))
	assert.False(t, VerifySignature(append([]byte(nil), append(body, ' ')...), sig, "secret"))
	assert.False(t, VerifySignature(body, "not-hex", "secret"))
	assert.False(t, VerifySignature(body, sig, ""))
}
