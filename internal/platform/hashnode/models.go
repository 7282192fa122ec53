package hashnode

import (
	"encoding/json"
	"time"

	"content_sync/internal/domain"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type postsData struct {
	Publication *struct {
		Posts struct {
			TotalDocuments int `json:"totalDocuments"`
			Edges          []struct {
				Node Post `json:"node"`
			} `json:"edges"`
			PageInfo struct {
				HasNextPage bool    `json:"hasNextPage"`
				EndCursor   *string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"posts"`
	} `json:"publication"`
}

type postData struct {
	Post *Post `json:"post"`
}

type publishData struct {
	PublishPost struct {
		Post struct {
			ID string `json:"id"`
		} `json:"post"`
	} `json:"publishPost"`
}

type updateData struct {
	UpdatePost struct {
		Post struct {
			ID string `json:"id"`
		} `json:"post"`
	} `json:"updatePost"`
}

// Post is a post as the Hashnode API returns it.
type Post struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	URL     string `json:"url"`
	Brief   string `json:"brief"`
	Content *struct {
		Markdown string `json:"markdown"`
	} `json:"content"`
	CoverImage *struct {
		URL string `json:"url"`
	} `json:"coverImage"`
	SEO *struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
	} `json:"seo"`
	Tags []struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	} `json:"tags"`
	Series *struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	} `json:"series"`
	Author *struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"author"`
	PublishedAt *time.Time `json:"publishedAt"`
	UpdatedAt   *time.Time `json:"updatedAt"`
}

func (p *Post) toDomain() domain.ExternalPost {
	post := domain.ExternalPost{
		ID:          p.ID,
		Title:       p.Title,
		Slug:        p.Slug,
		URL:         p.URL,
		Brief:       p.Brief,
		PublishedAt: p.PublishedAt,
		Draft:       p.PublishedAt == nil,
	}

	if p.Content != nil {
		post.Content = p.Content.Markdown
	}
	if p.CoverImage != nil {
		post.CoverImage = p.CoverImage.URL
	}
	if p.SEO != nil {
		if p.SEO.Title != nil {
			post.SEOTitle = *p.SEO.Title
		}
		if p.SEO.Description != nil {
			post.SEODescription = *p.SEO.Description
		}
	}
	for _, tag := range p.Tags {
		post.Tags = append(post.Tags, domain.ExternalTag{Name: tag.Name, Slug: tag.Slug})
	}
	if p.Series != nil {
		post.Series = &domain.ExternalSeries{Name: p.Series.Name, Slug: p.Series.Slug}
	}
	if p.Author != nil {
		post.Author = &domain.ExternalAuthor{Username: p.Author.Username, Name: p.Author.Name}
	}

	switch {
	case p.UpdatedAt != nil:
		post.UpdatedAt = *p.UpdatedAt
	case p.PublishedAt != nil:
		post.UpdatedAt = *p.PublishedAt
	}

	return post
}

// postInput builds the mutation input shared by publish and update.
func postInput(post *domain.ExternalPost) map[string]any {
	input := map[string]any{
		"title":           post.Title,
		"slug":            post.Slug,
		"contentMarkdown": post.Content,
	}
	if post.Brief != "" {
		input["subtitle"] = post.Brief
	}
	if post.CoverImage != "" {
		input["coverImageOptions"] = map[string]any{"coverImageURL": post.CoverImage}
	}
	if post.SEOTitle != "" || post.SEODescription != "" {
		input["metaTags"] = map[string]any{
			"title":       post.SEOTitle,
			"description": post.SEODescription,
		}
	}
	if len(post.Tags) > 0 {
		tags := make([]map[string]any, 0, len(post.Tags))
		for _, tag := range post.Tags {
			tags = append(tags, map[string]any{"name": tag.Name, "slug": tag.Slug})
		}
		input["tags"] = tags
	}
	return input
}
