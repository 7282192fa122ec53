package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"content_sync/internal/config"
	"content_sync/internal/domain"
	"content_sync/internal/metrics"
)

// ErrRetryQueued means an operation failed transiently and was queued.
var ErrRetryQueued = errors.New("queued for retry")

// SyncCoordinator keeps the content store and the platform consistent. It
// exclusively owns the retry queue; every queue mutation happens under mu
// and is written through to the durable QueueStore.
type SyncCoordinator struct {
	platform  Platform
	stores    Stores
	queue     QueueStore
	cfg       config.SyncConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	writer    *contentWriter
	now       func() time.Time
	observers []Observer

	// inbound serializes webhook application so events apply in arrival
	// order.
	inbound sync.Mutex

	mu          sync.Mutex
	items       map[string]*domain.SyncQueueItem
	lastDrainAt time.Time

	received  atomic.Int64
	processed atomic.Int64
	rejected  atomic.Int64
	conflicts atomic.Int64
	pushed    atomic.Int64
}

func NewSyncCoordinator(
	platform Platform,
	stores Stores,
	queue QueueStore,
	cfg config.SyncConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SyncCoordinator {
	c := &SyncCoordinator{
		platform: platform,
		stores:   stores,
		queue:    queue,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "sync"),
		now:      time.Now,
		items:    make(map[string]*domain.SyncQueueItem),
	}
	c.writer = &contentWriter{stores: stores, now: func() time.Time { return c.now() }}
	return c
}

// Subscribe registers an observer for lifecycle events. It must be called
// before the coordinator starts handling work.
func (c *SyncCoordinator) Subscribe(o Observer) {
	c.observers = append(c.observers, o)
}

// Load restores the queue from durable storage. Items left in flight by a
// previous process are made pending again.
func (c *SyncCoordinator) Load(ctx context.Context) error {
	items, err := c.queue.ListItems(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range items {
		item := items[i]
		if item.State == domain.QueueInFlight {
			item.State = domain.QueuePending
			if err := c.queue.SaveItem(ctx, &item); err != nil {
				return fmt.Errorf("reset in-flight item: %w", err)
			}
		}
		c.items[item.ID] = &item
	}
	c.updateDepthLocked()

	c.logger.Info("sync queue loaded", "items", len(items))
	return nil
}

// HandleWebhook verifies and applies one inbound event. Invalid signatures
// return domain.ErrInvalidSignature and are never queued. Transient
// failures are queued for retry and reported with ErrRetryQueued.
func (c *SyncCoordinator) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	c.received.Add(1)

	if !VerifySignature(body, signature, c.cfg.WebhookSecret) {
		c.rejected.Add(1)
		c.metrics.RecordWebhook("unknown", "rejected")
		c.logger.Warn("rejected webhook with invalid signature", "bytes", len(body))
		return domain.ErrInvalidSignature
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.rejected.Add(1)
		c.metrics.RecordWebhook("unknown", "invalid")
		return fmt.Errorf("%w: decode webhook: %v", domain.ErrValidation, err)
	}
	if payload.Post.ID == "" {
		c.rejected.Add(1)
		c.metrics.RecordWebhook(string(payload.Event), "invalid")
		return fmt.Errorf("%w: webhook without post id", domain.ErrValidation)
	}
	switch payload.Event {
	case domain.EventContentPublished, domain.EventContentUpdated, domain.EventContentDeleted:
	default:
		c.rejected.Add(1)
		c.metrics.RecordWebhook(string(payload.Event), "invalid")
		return fmt.Errorf("%w: unknown event %q", domain.ErrValidation, payload.Event)
	}

	logger := c.logger.With("event", payload.Event, "post_id", payload.Post.ID)

	if err := c.applyInbound(ctx, &payload); err != nil {
		c.metrics.RecordWebhook(string(payload.Event), "queued")
		logger.Warn("inbound sync failed, queued for retry", "error", err)
		c.emit(ctx, domain.SyncEvent{Kind: domain.EventSyncFailed, Operation: domain.OpPull, Key: payload.Post.ID, Attempt: 1, Error: err.Error()})
		if qerr := c.scheduleRetry(ctx, domain.OpPull, payload.Post.ID, body, err); qerr != nil {
			return fmt.Errorf("queue inbound event: %w", qerr)
		}
		return errors.Join(ErrRetryQueued, err)
	}

	c.processed.Add(1)
	c.metrics.RecordWebhook(string(payload.Event), "processed")
	logger.Info("webhook processed")
	return nil
}

func (c *SyncCoordinator) applyInbound(ctx context.Context, payload *domain.WebhookPayload) error {
	c.inbound.Lock()
	defer c.inbound.Unlock()

	switch payload.Event {
	case domain.EventContentDeleted:
		return c.archive(ctx, payload.Post.ID, payload.Post.Slug)
	default:
		return c.pull(ctx, payload.Post.ID)
	}
}

// archive marks the linked article archived and severs the link. Remote
// deletes never remove local content.
func (c *SyncCoordinator) archive(ctx context.Context, externalID, slug string) error {
	return c.stores.Tx.WithTransaction(ctx, func(txCtx context.Context) error {
		article, err := c.stores.Articles.FindByExternalID(txCtx, externalID)
		if errors.Is(err, domain.ErrNotFound) {
			c.logger.Debug("delete for unknown post ignored", "post_id", externalID, "slug", slug)
			return nil
		}
		if err != nil {
			return fmt.Errorf("find article: %w", err)
		}

		article.Status = domain.StatusArchived
		article.ExternalID = nil
		if err := c.stores.Articles.Update(txCtx, article); err != nil {
			return fmt.Errorf("archive article: %w", err)
		}
		return nil
	})
}

// pull fetches the post and creates or updates the local copy subject to
// the conflict policy.
func (c *SyncCoordinator) pull(ctx context.Context, postID string) error {
	post, err := c.platform.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("get post: %w", err)
	}
	if err := validatePost(post); err != nil {
		return err
	}

	var flagged *domain.Conflict
	err = c.stores.Tx.WithTransaction(ctx, func(txCtx context.Context) error {
		flagged = nil

		local, err := findLinked(txCtx, c.stores.Articles, post.ID, post.Slug)
		if errors.Is(err, domain.ErrNotFound) {
			_, err = c.writer.write(txCtx, post, nil)
			if !errors.Is(err, domain.ErrDuplicate) {
				return err
			}
			local, err = findLinked(txCtx, c.stores.Articles, post.ID, post.Slug)
		}
		if err != nil {
			return fmt.Errorf("find article: %w", err)
		}

		res := Resolve(local.UpdatedAt, post.UpdatedAt, c.cfg.ConflictPolicy)
		switch {
		case res.Flagged:
			if local.LastSyncedAt != nil && !post.UpdatedAt.After(*local.LastSyncedAt) {
				c.logger.Debug("remote copy already seen", "slug", local.Slug)
				return nil
			}
			if err := c.stores.Articles.MarkForReview(txCtx, local.ID); err != nil {
				return fmt.Errorf("flag article: %w", err)
			}
			flagged = &domain.Conflict{
				ID:              uuid.NewString(),
				ArticleSlug:     local.Slug,
				ExternalID:      post.ID,
				LocalUpdatedAt:  local.UpdatedAt,
				RemoteUpdatedAt: post.UpdatedAt,
				Policy:          c.cfg.ConflictPolicy,
				DetectedAt:      c.now(),
			}
			return nil
		case res.Winner == domain.WinnerExternal:
			_, err := c.writer.write(txCtx, post, local)
			return err
		default:
			c.logger.Debug("local copy kept", "slug", local.Slug, "policy", c.cfg.ConflictPolicy)
			return nil
		}
	})
	if err != nil {
		return err
	}

	if flagged != nil {
		c.conflicts.Add(1)
		c.metrics.RecordConflict()
		if err := c.queue.SaveConflict(ctx, flagged); err != nil {
			c.logger.Error("failed to persist conflict", "slug", flagged.ArticleSlug, "error", err)
		}
		c.logger.Warn("conflict flagged for review", "slug", flagged.ArticleSlug, "post_id", post.ID)
		c.emit(ctx, domain.SyncEvent{Kind: domain.EventConflictFlagged, Operation: domain.OpPull, Key: flagged.ArticleSlug})
	}
	return nil
}

// pushPayload is carried by a queued push whose remote post already
// exists but could not be linked locally.
type pushPayload struct {
	ExternalID string `json:"externalId"`
}

// linkError is a push that created the remote post but failed to store
// its id.
type linkError struct {
	externalID string
	err        error
}

func (e *linkError) Error() string { return e.err.Error() }
func (e *linkError) Unwrap() error { return e.err }

// retryPayload keeps the remote id of an unlinked post so the retry links
// it instead of creating it again.
func retryPayload(err error) []byte {
	var le *linkError
	if !errors.As(err, &le) {
		return nil
	}
	payload, _ := json.Marshal(pushPayload{ExternalID: le.externalID})
	return payload
}

// PushOutbound sends a local article to the platform, creating it there on
// first push. Transient failures are queued and reported with
// ErrRetryQueued.
func (c *SyncCoordinator) PushOutbound(ctx context.Context, slug string) error {
	err := c.push(ctx, slug, "")
	if err == nil {
		c.metrics.RecordSyncAttempt(string(domain.OpPush), "succeeded")
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	c.metrics.RecordSyncAttempt(string(domain.OpPush), "failed")

	c.logger.Warn("push failed, queued for retry", "slug", slug, "error", err)
	c.emit(ctx, domain.SyncEvent{Kind: domain.EventSyncFailed, Operation: domain.OpPush, Key: slug, Attempt: 1, Error: err.Error()})
	if qerr := c.scheduleRetry(ctx, domain.OpPush, slug, retryPayload(err), err); qerr != nil {
		return fmt.Errorf("queue push: %w", qerr)
	}
	return errors.Join(ErrRetryQueued, err)
}

// push sends the article to the platform. A non-empty createdID names a
// remote post created by an earlier attempt; it is linked without creating
// another one.
func (c *SyncCoordinator) push(ctx context.Context, slug, createdID string) error {
	article, err := c.stores.Articles.FindBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("find article %s: %w", slug, err)
	}
	if article.ExternalID == nil && createdID != "" {
		if err := c.link(ctx, article, createdID); err != nil {
			return err
		}
		c.pushed.Add(1)
		c.logger.Info("article linked to existing post", "slug", slug, "post_id", createdID)
		return nil
	}

	tags, err := c.stores.Tags.GetByArticleID(ctx, article.ID)
	if err != nil {
		return fmt.Errorf("get tags: %w", err)
	}

	post := toExternalPost(article, tags)

	if article.ExternalID != nil {
		if err := c.platform.UpdatePost(ctx, *article.ExternalID, post); err != nil {
			return fmt.Errorf("update post: %w", err)
		}
	} else {
		id, err := c.platform.CreatePost(ctx, post)
		if err != nil {
			return fmt.Errorf("create post: %w", err)
		}

		if err := c.link(ctx, article, id); err != nil {
			return err
		}
	}

	c.pushed.Add(1)
	c.logger.Info("article pushed", "slug", slug)
	return nil
}

func (c *SyncCoordinator) link(ctx context.Context, article *domain.Article, postID string) error {
	synced := c.now()
	article.ExternalID = &postID
	article.LastSyncedAt = &synced
	if err := c.stores.Articles.Update(ctx, article); err != nil {
		return &linkError{
			externalID: postID,
			err:        fmt.Errorf("link article %s to post %s: %w", article.Slug, postID, err),
		}
	}
	return nil
}

// Enqueue adds a pending action that is eligible immediately. A pending
// action for the same operation and key takes the new payload instead.
func (c *SyncCoordinator) Enqueue(ctx context.Context, op domain.SyncOperation, key string, payload []byte) (*domain.SyncQueueItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if item := c.activeLocked(op, key); item != nil {
		item.Payload = payload
		item.UpdatedAt = now
		if err := c.queue.SaveItem(ctx, item); err != nil {
			return nil, fmt.Errorf("save queue item: %w", err)
		}
		copied := *item
		return &copied, nil
	}

	item := &domain.SyncQueueItem{
		ID:            uuid.NewString(),
		Operation:     op,
		TargetKey:     key,
		Payload:       payload,
		State:         domain.QueuePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.queue.SaveItem(ctx, item); err != nil {
		return nil, fmt.Errorf("save queue item: %w", err)
	}
	c.items[item.ID] = item
	c.updateDepthLocked()

	copied := *item
	return &copied, nil
}

// scheduleRetry records a failed direct attempt. An action already queued
// for the same key absorbs it and counts it against its attempts.
func (c *SyncCoordinator) scheduleRetry(ctx context.Context, op domain.SyncOperation, key string, payload []byte, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if item := c.activeLocked(op, key); item != nil {
		if payload != nil {
			item.Payload = payload
		}
		item.Attempts++
		item.LastError = cause.Error()
		c.settleLocked(item, now)
		if err := c.queue.SaveItem(ctx, item); err != nil {
			return err
		}
		c.updateDepthLocked()
		if item.State == domain.QueueFailed {
			c.logger.Error("sync item permanently failed",
				"operation", item.Operation,
				"key", item.TargetKey,
				"attempts", item.Attempts,
				"error", cause,
			)
		}
		return nil
	}

	item := &domain.SyncQueueItem{
		ID:        uuid.NewString(),
		Operation: op,
		TargetKey: key,
		Payload:   payload,
		Attempts:  1,
		LastError: cause.Error(),
		CreatedAt: now,
	}
	c.settleLocked(item, now)
	if err := c.queue.SaveItem(ctx, item); err != nil {
		return err
	}
	c.items[item.ID] = item
	c.updateDepthLocked()
	return nil
}

func (c *SyncCoordinator) activeLocked(op domain.SyncOperation, key string) *domain.SyncQueueItem {
	for _, item := range c.items {
		if item.Operation != op || item.TargetKey != key {
			continue
		}
		if item.State == domain.QueuePending || item.State == domain.QueueRetryScheduled {
			return item
		}
	}
	return nil
}

// settleLocked moves a failed item to retry_scheduled, or to failed once it
// used every attempt.
func (c *SyncCoordinator) settleLocked(item *domain.SyncQueueItem, now time.Time) {
	item.UpdatedAt = now
	if item.Attempts >= c.cfg.MaxAttempts {
		item.State = domain.QueueFailed
		return
	}
	item.State = domain.QueueRetryScheduled
	item.NextAttemptAt = now.Add(Backoff(item.Attempts, c.cfg.InitialBackoff, c.cfg.MaxBackoff))
}

// Backoff is initial * 2^(attempts-1), capped at maxDelay.
func Backoff(attempts int, initial, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := initial
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// DrainQueue attempts every eligible item once. Items enqueued while the
// drain runs wait for the next tick.
func (c *SyncCoordinator) DrainQueue(ctx context.Context) (*domain.DrainStats, error) {
	start := c.now()
	stats := &domain.DrainStats{}

	c.mu.Lock()
	var batch []*domain.SyncQueueItem
	for _, item := range c.items {
		if item.Eligible(start) {
			item.State = domain.QueueInFlight
			item.UpdatedAt = start
			batch = append(batch, item)
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].CreatedAt.Before(batch[j].CreatedAt) })
	c.lastDrainAt = start
	c.mu.Unlock()

	if len(batch) == 0 {
		return stats, nil
	}

	c.emit(ctx, domain.SyncEvent{Kind: domain.EventSyncStarted})
	c.logger.Debug("draining sync queue", "eligible", len(batch))

	for i, item := range batch {
		if err := ctx.Err(); err != nil {
			c.release(batch[i:])
			stats.Duration = c.now().Sub(start)
			return stats, err
		}

		err := c.attempt(ctx, item)
		stats.Attempted++

		c.mu.Lock()
		now := c.now()
		item.Attempts++
		if err == nil {
			item.State = domain.QueueSucceeded
			delete(c.items, item.ID)
			if derr := c.queue.DeleteItem(ctx, item.ID); derr != nil {
				c.logger.Error("failed to remove completed item", "id", item.ID, "error", derr)
			}
			stats.Succeeded++
		} else {
			item.LastError = err.Error()
			if payload := retryPayload(err); payload != nil {
				item.Payload = payload
			}
			c.settleLocked(item, now)
			if serr := c.queue.SaveItem(ctx, item); serr != nil {
				c.logger.Error("failed to persist queue item", "id", item.ID, "error", serr)
			}
			if item.State == domain.QueueFailed {
				stats.Failed++
			} else {
				stats.Rescheduled++
			}
		}
		snapshot := *item
		c.updateDepthLocked()
		c.mu.Unlock()

		if err == nil {
			c.metrics.RecordSyncAttempt(string(snapshot.Operation), "succeeded")
			continue
		}

		c.metrics.RecordSyncAttempt(string(snapshot.Operation), "failed")
		if snapshot.State == domain.QueueFailed {
			c.logger.Error("sync item permanently failed",
				"operation", snapshot.Operation,
				"key", snapshot.TargetKey,
				"attempts", snapshot.Attempts,
				"error", err,
			)
			c.emit(ctx, domain.SyncEvent{
				Kind:      domain.EventItemFailed,
				Operation: snapshot.Operation,
				Key:       snapshot.TargetKey,
				Attempt:   snapshot.Attempts,
				Error:     snapshot.LastError,
			})
		} else {
			c.logger.Warn("sync attempt failed",
				"operation", snapshot.Operation,
				"key", snapshot.TargetKey,
				"attempts", snapshot.Attempts,
				"next_attempt_at", snapshot.NextAttemptAt,
				"error", err,
			)
		}
	}

	stats.Duration = c.now().Sub(start)
	c.emit(ctx, domain.SyncEvent{Kind: domain.EventSyncCompleted})
	c.logger.Info("sync queue drained",
		"attempted", stats.Attempted,
		"succeeded", stats.Succeeded,
		"rescheduled", stats.Rescheduled,
		"failed", stats.Failed,
	)
	return stats, nil
}

func (c *SyncCoordinator) attempt(ctx context.Context, item *domain.SyncQueueItem) error {
	switch item.Operation {
	case domain.OpPush:
		var payload pushPayload
		if len(item.Payload) > 0 {
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				return fmt.Errorf("decode queued payload: %w", err)
			}
		}
		return c.push(ctx, item.TargetKey, payload.ExternalID)
	case domain.OpPull:
		var payload domain.WebhookPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("decode queued payload: %w", err)
		}
		if err := c.applyInbound(ctx, &payload); err != nil {
			return err
		}
		c.processed.Add(1)
		return nil
	default:
		return fmt.Errorf("unknown operation %q", item.Operation)
	}
}

// release returns unattempted items to pending after a cancelled drain.
func (c *SyncCoordinator) release(items []*domain.SyncQueueItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		item.State = domain.QueuePending
		if err := c.queue.SaveItem(context.Background(), item); err != nil {
			c.logger.Error("failed to persist released item", "id", item.ID, "error", err)
		}
	}
	c.updateDepthLocked()
}

func (c *SyncCoordinator) updateDepthLocked() {
	depth := map[string]int{
		string(domain.QueuePending):        0,
		string(domain.QueueInFlight):       0,
		string(domain.QueueRetryScheduled): 0,
		string(domain.QueueFailed):         0,
	}
	for _, item := range c.items {
		depth[string(item.State)]++
	}
	c.metrics.SetQueueDepth(depth)
}

func (c *SyncCoordinator) emit(ctx context.Context, event domain.SyncEvent) {
	event.At = c.now()
	for _, o := range c.observers {
		if err := o.Notify(ctx, event); err != nil {
			c.logger.Warn("observer failed", "event", event.Kind, "error", err)
		}
	}
}

// Items returns a copy of the queue ordered by creation time.
func (c *SyncCoordinator) Items() []domain.SyncQueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.SyncQueueItem, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Conflicts lists the flagged conflicts awaiting review.
func (c *SyncCoordinator) Conflicts(ctx context.Context) ([]domain.Conflict, error) {
	return c.queue.ListConflicts(ctx)
}

func (c *SyncCoordinator) Status() domain.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := domain.SyncStatus{
		Received:    c.received.Load(),
		Processed:   c.processed.Load(),
		Rejected:    c.rejected.Load(),
		Conflicts:   c.conflicts.Load(),
		Pushed:      c.pushed.Load(),
		LastDrainAt: c.lastDrainAt,
	}
	for _, item := range c.items {
		switch item.State {
		case domain.QueuePending, domain.QueueRetryScheduled:
			status.Pending++
		case domain.QueueInFlight:
			status.InFlight++
		case domain.QueueFailed:
			status.Failed++
		}
	}
	return status
}
