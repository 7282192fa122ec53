package domain

import "time"

// ExternalPost is a post as the blogging platform represents it.
type ExternalPost struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Slug           string          `json:"slug"`
	URL            string          `json:"url"`
	Content        string          `json:"content"`
	Brief          string          `json:"brief"`
	CoverImage     string          `json:"coverImage,omitempty"`
	SEOTitle       string          `json:"seoTitle,omitempty"`
	SEODescription string          `json:"seoDescription,omitempty"`
	Draft          bool            `json:"draft"`
	Tags           []ExternalTag   `json:"tags,omitempty"`
	Series         *ExternalSeries `json:"series,omitempty"`
	Author         *ExternalAuthor `json:"author,omitempty"`
	PublishedAt    *time.Time      `json:"publishedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type ExternalTag struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type ExternalSeries struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
}

type ExternalAuthor struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

// PostPage is one page of the platform's content listing.
type PostPage struct {
	Posts      []ExternalPost
	NextCursor string
	HasNext    bool
	Total      int
}

type WebhookEventKind string

const (
	EventContentPublished WebhookEventKind = "content_published"
	EventContentUpdated   WebhookEventKind = "content_updated"
	EventContentDeleted   WebhookEventKind = "content_deleted"
)

// WebhookPayload is the signed inbound notification body.
type WebhookPayload struct {
	Event       WebhookEventKind   `json:"event"`
	Post        WebhookPost        `json:"post"`
	Publication WebhookPublication `json:"publication"`
	Timestamp   time.Time          `json:"timestamp"`
}

type WebhookPost struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
	URL   string `json:"url"`
}

type WebhookPublication struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}
