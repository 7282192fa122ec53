package service

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/mock/gomock"

	"content_sync/internal/domain"
	"content_sync/internal/service/mocks"
	"content_sync/internal/storage/memory"
)

func memoryStores(store *memory.Store) Stores {
	return Stores{
		Articles:  store.Articles(),
		Tags:      store.Tags(),
		Series:    store.Series(),
		Users:     store.Users(),
		SyncState: store.SyncState(),
		Tx:        store.Tx(),
	}
}

// expectPaging serves posts through ListPosts using the offset as cursor.
func expectPaging(platform *mocks.MockPlatform, posts []domain.ExternalPost) {
	platform.EXPECT().ListPosts(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cursor string, pageSize int) (*domain.PostPage, error) {
			offset := 0
			if cursor != "" {
				offset, _ = strconv.Atoi(cursor)
			}
			end := min(offset+pageSize, len(posts))
			page := &domain.PostPage{
				Posts: append([]domain.ExternalPost(nil), posts[offset:end]...),
				Total: len(posts),
			}
			if end < len(posts) {
				page.HasNext = true
				page.NextCursor = strconv.Itoa(end)
			}
			return page, nil
		},
	).AnyTimes()
}

func samplePosts() []domain.ExternalPost {
	published := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	return []domain.ExternalPost{
		{
			ID:          "p1",
			Title:       "Published Post",
			Slug:        "published-post",
			Content:     "Some **markdown** content about Go.",
			PublishedAt: &published,
			UpdatedAt:   published,
		},
		{
			ID:        "p2",
			Title:     "Draft Post",
			Slug:      "draft-post",
			Content:   "Work in progress.",
			Draft:     true,
			UpdatedAt: published,
		},
	}
}

// failingArticles fails Upsert on the nth call.
type failingArticles struct {
	ArticleStore
	failOn int
	calls  int
	err    error
}

func (f *failingArticles) Upsert(ctx context.Context, article *domain.Article) (int64, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, f.err
	}
	return f.ArticleStore.Upsert(ctx, article)
}

// failingCreate fails every Create with err.
type failingCreate struct {
	ArticleStore
	err error
}

func (f *failingCreate) Create(context.Context, *domain.Article) (int64, error) {
	return 0, f.err
}

// failingUpdate fails the next failures calls to Update with err.
type failingUpdate struct {
	ArticleStore
	failures int
	err      error
}

func (f *failingUpdate) Update(ctx context.Context, article *domain.Article) error {
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return f.ArticleStore.Update(ctx, article)
}
