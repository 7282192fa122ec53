package domain

import "time"

// EntityType names one of the content record kinds.
type EntityType string

const (
	EntityArticle EntityType = "article"
	EntityTag     EntityType = "tag"
	EntitySeries  EntityType = "series"
	EntityUser    EntityType = "user"
)

type ArticleStatus string

const (
	StatusDraft     ArticleStatus = "draft"
	StatusPublished ArticleStatus = "published"
	StatusScheduled ArticleStatus = "scheduled"
	StatusArchived  ArticleStatus = "archived"
)

// Article is identified by Slug, and by ExternalID once it has been linked
// to the blogging platform.
type Article struct {
	ID              int64         `db:"id" json:"id"`
	Slug            string        `db:"slug" json:"slug"`
	ExternalID      *string       `db:"external_id" json:"externalId,omitempty"`
	Title           string        `db:"title" json:"title"`
	Content         string        `db:"content" json:"content"`
	Excerpt         string        `db:"excerpt" json:"excerpt"`
	CoverImage      *string       `db:"cover_image" json:"coverImage,omitempty"`
	MetaTitle       *string       `db:"meta_title" json:"metaTitle,omitempty"`
	MetaDescription *string       `db:"meta_description" json:"metaDescription,omitempty"`
	Status          ArticleStatus `db:"status" json:"status"`
	ReadingTime     int           `db:"reading_time" json:"readingTime"`
	SeriesID        *int64        `db:"series_id" json:"seriesId,omitempty"`
	AuthorID        *int64        `db:"author_id" json:"authorId,omitempty"`
	NeedsReview     bool          `db:"needs_review" json:"needsReview"`
	PublishedAt     *time.Time    `db:"published_at" json:"publishedAt,omitempty"`
	LastSyncedAt    *time.Time    `db:"last_synced_at" json:"lastSyncedAt,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
	Tags            []Tag         `db:"-" json:"-"`
}

type Tag struct {
	ID        int64     `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type Series struct {
	ID          int64     `db:"id" json:"id"`
	Slug        string    `db:"slug" json:"slug"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

type User struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Name      string    `db:"name" json:"name"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// ArticleTagLink joins an article to a tag by natural keys.
type ArticleTagLink struct {
	ArticleSlug string `db:"article_slug" json:"article"`
	TagSlug     string `db:"tag_slug" json:"tag"`
}

type ArticleSeriesLink struct {
	ArticleSlug string `json:"article"`
	SeriesSlug  string `json:"series"`
}

type ArticleAuthorLink struct {
	ArticleSlug string `json:"article"`
	Username    string `json:"username"`
}

// ContentStats is the aggregate view of the content store used by reports.
type ContentStats struct {
	Articles int `db:"articles" json:"articles"`
	Tags     int `db:"tags" json:"tags"`
	Series   int `db:"series" json:"series"`
	Users    int `db:"users" json:"users"`

	ByStatus        map[ArticleStatus]int `json:"byStatus"`
	TagDistribution map[string]int        `json:"tagDistribution"`

	WithTitle           int `db:"with_title" json:"withTitle"`
	WithContent         int `db:"with_content" json:"withContent"`
	WithExcerpt         int `db:"with_excerpt" json:"withExcerpt"`
	WithTags            int `db:"with_tags" json:"withTags"`
	WithCover           int `db:"with_cover" json:"withCover"`
	WithMetaTitle       int `db:"with_meta_title" json:"withMetaTitle"`
	WithMetaDescription int `db:"with_meta_description" json:"withMetaDescription"`
	NeedsReview         int `db:"needs_review" json:"needsReview"`
}

// SyncState tracks migration progress per external source.
type SyncState struct {
	ID            int64     `db:"id"`
	SourceID      string    `db:"source_id"`
	LastSyncedAt  time.Time `db:"last_synced_at"`
	LastCursor    string    `db:"last_cursor"`
	TotalImported int64     `db:"total_imported"`
}
