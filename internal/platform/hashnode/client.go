package hashnode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"content_sync/internal/domain"
)

const PlatformID = "hashnode"

const postFields = `
	id title slug url brief
	content { markdown }
	coverImage { url }
	seo { title description }
	tags { name slug }
	series { name slug }
	author { username name }
	publishedAt updatedAt`

const listPostsQuery = `query Posts($host: String!, $first: Int!, $after: String) {
	publication(host: $host) {
		posts(first: $first, after: $after) {
			totalDocuments
			edges { node {` + postFields + ` } }
			pageInfo { hasNextPage endCursor }
		}
	}
}`

const getPostQuery = `query Post($id: ID!) {
	post(id: $id) {` + postFields + ` }
}`

const publishPostMutation = `mutation PublishPost($input: PublishPostInput!) {
	publishPost(input: $input) { post { id } }
}`

const updatePostMutation = `mutation UpdatePost($input: UpdatePostInput!) {
	updatePost(input: $input) { post { id } }
}`

// Config holds Hashnode client configuration.
type Config struct {
	Endpoint        string
	Token           string
	PublicationHost string
	PublicationID   string
	Timeout         time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Client talks to the Hashnode GraphQL API.
type Client struct {
	httpClient      *http.Client
	endpoint        string
	token           string
	publicationHost string
	publicationID   string
	maxAttempts     int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	logger          *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		endpoint:        cfg.Endpoint,
		token:           cfg.Token,
		publicationHost: cfg.PublicationHost,
		publicationID:   cfg.PublicationID,
		maxAttempts:     maxAttempts,
		initialBackoff:  cfg.InitialBackoff,
		maxBackoff:      cfg.MaxBackoff,
		logger:          logger.With("platform", PlatformID),
	}
}

func (c *Client) ID() string {
	return PlatformID
}

// ListPosts returns one page of the publication's posts. An empty cursor
// starts from the beginning.
func (c *Client) ListPosts(ctx context.Context, cursor string, pageSize int) (*domain.PostPage, error) {
	vars := map[string]any{
		"host":  c.publicationHost,
		"first": pageSize,
	}
	if cursor != "" {
		vars["after"] = cursor
	}

	var data postsData
	if err := c.call(ctx, listPostsQuery, vars, &data); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	if data.Publication == nil {
		return nil, fmt.Errorf("list posts: publication %q not found", c.publicationHost)
	}

	posts := data.Publication.Posts
	page := &domain.PostPage{
		Posts:   make([]domain.ExternalPost, 0, len(posts.Edges)),
		HasNext: posts.PageInfo.HasNextPage,
		Total:   posts.TotalDocuments,
	}
	if posts.PageInfo.EndCursor != nil {
		page.NextCursor = *posts.PageInfo.EndCursor
	}
	for _, edge := range posts.Edges {
		page.Posts = append(page.Posts, edge.Node.toDomain())
	}

	c.logger.Debug("fetched page",
		"cursor", cursor,
		"posts", len(page.Posts),
		"has_next", page.HasNext,
	)

	return page, nil
}

func (c *Client) GetPost(ctx context.Context, id string) (*domain.ExternalPost, error) {
	var data postData
	if err := c.call(ctx, getPostQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	if data.Post == nil {
		return nil, fmt.Errorf("get post %s: %w", id, domain.ErrNotFound)
	}

	post := data.Post.toDomain()
	return &post, nil
}

func (c *Client) CreatePost(ctx context.Context, post *domain.ExternalPost) (string, error) {
	input := postInput(post)
	input["publicationId"] = c.publicationID

	var data publishData
	if err := c.call(ctx, publishPostMutation, map[string]any{"input": input}, &data); err != nil {
		return "", fmt.Errorf("publish post %s: %w", post.Slug, err)
	}
	if data.PublishPost.Post.ID == "" {
		return "", fmt.Errorf("publish post %s: empty post id in response", post.Slug)
	}
	return data.PublishPost.Post.ID, nil
}

func (c *Client) UpdatePost(ctx context.Context, id string, post *domain.ExternalPost) error {
	input := postInput(post)
	input["id"] = id

	var data updateData
	if err := c.call(ctx, updatePostMutation, map[string]any{"input": input}, &data); err != nil {
		return fmt.Errorf("update post %s: %w", id, err)
	}
	return nil
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// call executes a GraphQL operation with bounded retries. Transport errors
// and 5xx responses are retried; running out of attempts is reported as a
// domain.ConnectionError.
func (c *Client) call(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var data json.RawMessage
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		data, err = c.doRequest(ctx, body)
		if err == nil {
			break
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if attempt == c.maxAttempts {
			return &domain.ConnectionError{
				Target: "platform",
				Err:    fmt.Errorf("after %d attempts: %w", c.maxAttempts, err),
			}
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ContentSync/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &permanentError{fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	var gqlResp graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		messages := make([]string, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			messages = append(messages, e.Message)
		}
		return nil, &permanentError{fmt.Errorf("graphql: %s", strings.Join(messages, "; "))}
	}

	return gqlResp.Data, nil
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}
