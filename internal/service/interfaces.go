package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"content_sync/internal/domain"
)

// ArticleStore persists articles. Lookups return domain.ErrNotFound when no
// record matches the natural key.
type ArticleStore interface {
	FindBySlug(ctx context.Context, slug string) (*domain.Article, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.Article, error)
	// Create inserts atomically and returns domain.ErrDuplicate if the slug
	// or external id already exists.
	Create(ctx context.Context, article *domain.Article) (int64, error)
	Update(ctx context.Context, article *domain.Article) error
	// MarkForReview flags an article for operator review and leaves
	// updated_at unchanged.
	MarkForReview(ctx context.Context, id int64) error
	Upsert(ctx context.Context, article *domain.Article) (int64, error)
	List(ctx context.Context) ([]domain.Article, error)
	DeleteExcept(ctx context.Context, slugs []string) (int64, error)
	Stats(ctx context.Context) (*domain.ContentStats, error)
}

type TagStore interface {
	FindBySlug(ctx context.Context, slug string) (*domain.Tag, error)
	Upsert(ctx context.Context, tag *domain.Tag) (int64, error)
	List(ctx context.Context) ([]domain.Tag, error)
	DeleteExcept(ctx context.Context, slugs []string) (int64, error)
	LinkToArticle(ctx context.Context, articleID int64, tagIDs []int64) error
	GetByArticleID(ctx context.Context, articleID int64) ([]domain.Tag, error)
	ListLinks(ctx context.Context) ([]domain.ArticleTagLink, error)
}

type SeriesStore interface {
	FindBySlug(ctx context.Context, slug string) (*domain.Series, error)
	Upsert(ctx context.Context, series *domain.Series) (int64, error)
	List(ctx context.Context) ([]domain.Series, error)
	DeleteExcept(ctx context.Context, slugs []string) (int64, error)
}

type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	Upsert(ctx context.Context, user *domain.User) (int64, error)
	List(ctx context.Context) ([]domain.User, error)
	DeleteExcept(ctx context.Context, usernames []string) (int64, error)
}

type SyncStateStore interface {
	Get(ctx context.Context, sourceID string) (*domain.SyncState, error)
	Update(ctx context.Context, state *domain.SyncState) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// WithExclusiveTransaction also holds an exclusive lock over every
	// content table until fn returns.
	WithExclusiveTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Platform is the external blogging platform.
type Platform interface {
	ID() string
	ListPosts(ctx context.Context, cursor string, pageSize int) (*domain.PostPage, error)
	GetPost(ctx context.Context, id string) (*domain.ExternalPost, error)
	CreatePost(ctx context.Context, post *domain.ExternalPost) (string, error)
	UpdatePost(ctx context.Context, id string, post *domain.ExternalPost) error
}

// QueueStore durably holds the sync retry queue and the conflict log.
type QueueStore interface {
	SaveItem(ctx context.Context, item *domain.SyncQueueItem) error
	DeleteItem(ctx context.Context, id string) error
	ListItems(ctx context.Context) ([]domain.SyncQueueItem, error)
	SaveConflict(ctx context.Context, conflict *domain.Conflict) error
	ListConflicts(ctx context.Context) ([]domain.Conflict, error)
}

// Observer receives sync lifecycle events.
type Observer interface {
	Notify(ctx context.Context, event domain.SyncEvent) error
}

// Stores groups the content repository.
type Stores struct {
	Articles  ArticleStore
	Tags      TagStore
	Series    SeriesStore
	Users     UserStore
	SyncState SyncStateStore
	Tx        TransactionManager
}
