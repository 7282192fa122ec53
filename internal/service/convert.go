package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"content_sync/internal/domain"
)

const (
	excerptLength  = 160
	wordsPerMinute = 200
)

var (
	markdownNoise = regexp.MustCompile("(?s)```.*?```|!\\[[^\\]]*\\]\\([^)]*\\)|<[^>]+>|[#*_>`~]")
	markdownLink  = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// Slugify lowercases s and collapses every run of non-alphanumerics into a
// single hyphen, so "Go Lang" and "go-lang" normalize to the same key.
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false

	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			pendingDash = false
			continue
		}
		pendingDash = true
	}

	return b.String()
}

// PlainText strips markdown and HTML markup.
func PlainText(content string) string {
	text := markdownNoise.ReplaceAllString(content, " ")
	text = markdownLink.ReplaceAllString(text, "$1")
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// DeriveExcerpt returns brief when set, otherwise the first excerptLength
// characters of the plain text cut back to a word boundary.
func DeriveExcerpt(brief, content string) string {
	if b := strings.TrimSpace(brief); b != "" {
		return b
	}

	runes := []rune(PlainText(content))
	if len(runes) <= excerptLength {
		return string(runes)
	}

	cut := string(runes[:excerptLength])
	if i := strings.LastIndexByte(cut, ' '); i > excerptLength/2 {
		cut = cut[:i]
	}
	return cut + "..."
}

// ReadingTime estimates minutes to read content, never less than one.
func ReadingTime(content string) int {
	words := len(strings.Fields(PlainText(content)))
	minutes := int(math.Ceil(float64(words) / wordsPerMinute))
	if minutes < 1 {
		return 1
	}
	return minutes
}

func statusFor(post *domain.ExternalPost, now time.Time) domain.ArticleStatus {
	switch {
	case post.Draft:
		return domain.StatusDraft
	case post.PublishedAt != nil && post.PublishedAt.After(now):
		return domain.StatusScheduled
	default:
		return domain.StatusPublished
	}
}

func validatePost(post *domain.ExternalPost) error {
	if strings.TrimSpace(post.Title) == "" {
		return domain.RecordError{Key: post.ID, Field: "title", Message: "missing title"}
	}
	if strings.TrimSpace(post.Slug) == "" {
		return domain.RecordError{Key: post.ID, Field: "slug", Message: "missing slug"}
	}
	return nil
}

// toExternalPost builds the platform representation of a local article.
func toExternalPost(article *domain.Article, tags []domain.Tag) *domain.ExternalPost {
	post := &domain.ExternalPost{
		Title:       article.Title,
		Slug:        article.Slug,
		Content:     article.Content,
		Brief:       article.Excerpt,
		Draft:       article.Status == domain.StatusDraft,
		PublishedAt: article.PublishedAt,
		UpdatedAt:   article.UpdatedAt,
	}
	if article.ExternalID != nil {
		post.ID = *article.ExternalID
	}
	if article.CoverImage != nil {
		post.CoverImage = *article.CoverImage
	}
	if article.MetaTitle != nil {
		post.SEOTitle = *article.MetaTitle
	}
	if article.MetaDescription != nil {
		post.SEODescription = *article.MetaDescription
	}
	for _, t := range tags {
		post.Tags = append(post.Tags, domain.ExternalTag{Name: t.Name, Slug: t.Slug})
	}
	return post
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// contentWriter maps platform posts onto the content stores. Callers own
// the transaction boundary.
type contentWriter struct {
	stores Stores
	now    func() time.Time
}

// write creates the article for post when existing is nil and otherwise
// overwrites existing with the platform copy. Related tags, series and
// author are resolved by natural key and created when absent.
func (w *contentWriter) write(ctx context.Context, post *domain.ExternalPost, existing *domain.Article) (*domain.Article, error) {
	article := &domain.Article{}
	if existing != nil {
		copied := *existing
		article = &copied
	}

	externalID := post.ID
	article.Slug = post.Slug
	article.ExternalID = &externalID
	article.Title = post.Title
	article.Content = post.Content
	article.Excerpt = DeriveExcerpt(post.Brief, post.Content)
	article.CoverImage = optional(post.CoverImage)
	article.MetaTitle = optional(post.SEOTitle)
	article.MetaDescription = optional(post.SEODescription)
	article.Status = statusFor(post, w.now())
	article.ReadingTime = ReadingTime(post.Content)
	article.PublishedAt = post.PublishedAt
	article.NeedsReview = false
	synced := w.now()
	article.LastSyncedAt = &synced

	article.AuthorID = nil
	if post.Author != nil && post.Author.Username != "" {
		id, err := w.stores.Users.Upsert(ctx, &domain.User{
			Username: post.Author.Username,
			Name:     post.Author.Name,
			Role:     "author",
		})
		if err != nil {
			return nil, fmt.Errorf("upsert author: %w", err)
		}
		article.AuthorID = &id
	}

	article.SeriesID = nil
	if post.Series != nil {
		slug := Slugify(post.Series.Slug)
		if slug == "" {
			slug = Slugify(post.Series.Name)
		}
		if slug != "" {
			id, err := w.stores.Series.Upsert(ctx, &domain.Series{
				Slug:        slug,
				Name:        post.Series.Name,
				Description: post.Series.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("upsert series: %w", err)
			}
			article.SeriesID = &id
		}
	}

	tagIDs, err := w.upsertTags(ctx, post.Tags)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		id, err := w.stores.Articles.Create(ctx, article)
		if err != nil {
			return nil, fmt.Errorf("create article: %w", err)
		}
		article.ID = id
	} else if err := w.stores.Articles.Update(ctx, article); err != nil {
		return nil, fmt.Errorf("update article: %w", err)
	}

	if err := w.stores.Tags.LinkToArticle(ctx, article.ID, tagIDs); err != nil {
		return nil, fmt.Errorf("link tags: %w", err)
	}

	return article, nil
}

func (w *contentWriter) upsertTags(ctx context.Context, tags []domain.ExternalTag) ([]int64, error) {
	seen := make(map[string]struct{}, len(tags))
	var ids []int64

	for _, t := range tags {
		slug := Slugify(t.Slug)
		if slug == "" {
			slug = Slugify(t.Name)
		}
		if slug == "" {
			continue
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}

		name := t.Name
		if name == "" {
			name = slug
		}
		id, err := w.stores.Tags.Upsert(ctx, &domain.Tag{Slug: slug, Name: name})
		if err != nil {
			return nil, fmt.Errorf("upsert tag %s: %w", slug, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// findLinked looks an article up by external id and then by slug.
func findLinked(ctx context.Context, articles ArticleStore, externalID, slug string) (*domain.Article, error) {
	if externalID != "" {
		article, err := articles.FindByExternalID(ctx, externalID)
		if err == nil {
			return article, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if slug == "" {
		return nil, domain.ErrNotFound
	}
	return articles.FindBySlug(ctx, slug)
}
