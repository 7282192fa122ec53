package domain

import (
	"encoding/json"
	"time"
)

type SyncOperation string

const (
	// OpPush sends a local article to the platform; TargetKey is the local slug.
	OpPush SyncOperation = "push"
	// OpPull applies an inbound webhook; TargetKey is the external post id.
	OpPull SyncOperation = "pull"
)

type QueueState string

const (
	QueuePending        QueueState = "pending"
	QueueInFlight       QueueState = "in_flight"
	QueueRetryScheduled QueueState = "retry_scheduled"
	QueueSucceeded      QueueState = "succeeded"
	QueueFailed         QueueState = "failed"
)

// SyncQueueItem is one pending synchronization action.
type SyncQueueItem struct {
	ID            string          `db:"id" json:"id"`
	Operation     SyncOperation   `db:"operation" json:"operation"`
	TargetKey     string          `db:"target_key" json:"targetKey"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	Attempts      int             `db:"attempts" json:"attempts"`
	State         QueueState      `db:"state" json:"state"`
	NextAttemptAt time.Time       `db:"next_attempt_at" json:"nextAttemptAt"`
	LastError     string          `db:"last_error" json:"lastError,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// Eligible reports whether the item may be attempted at now.
func (i *SyncQueueItem) Eligible(now time.Time) bool {
	switch i.State {
	case QueuePending:
		return true
	case QueueRetryScheduled:
		return !now.Before(i.NextAttemptAt)
	default:
		return false
	}
}

// ConflictPolicy selects the authoritative side of a concurrent edit.
type ConflictPolicy string

const (
	PolicyLocalWins    ConflictPolicy = "local-wins"
	PolicyExternalWins ConflictPolicy = "external-wins"
	PolicyNewestWins   ConflictPolicy = "newest-wins"
	PolicyManualFlag   ConflictPolicy = "manual-flag"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyLocalWins, PolicyExternalWins, PolicyNewestWins, PolicyManualFlag:
		return true
	}
	return false
}

type Winner string

const (
	WinnerLocal    Winner = "local"
	WinnerExternal Winner = "external"
)

// Resolution is the outcome of conflict resolution. Flagged resolutions keep
// the local copy untouched and require operator review.
type Resolution struct {
	Winner  Winner
	Flagged bool
}

// Conflict records a flagged resolution for operator review.
type Conflict struct {
	ID              string         `db:"id" json:"id"`
	ArticleSlug     string         `db:"article_slug" json:"articleSlug"`
	ExternalID      string         `db:"external_id" json:"externalId"`
	LocalUpdatedAt  time.Time      `db:"local_updated_at" json:"localUpdatedAt"`
	RemoteUpdatedAt time.Time      `db:"remote_updated_at" json:"remoteUpdatedAt"`
	Policy          ConflictPolicy `db:"policy" json:"policy"`
	DetectedAt      time.Time      `db:"detected_at" json:"detectedAt"`
}

type SyncEventKind string

const (
	EventSyncStarted     SyncEventKind = "sync.started"
	EventSyncCompleted   SyncEventKind = "sync.completed"
	EventSyncFailed      SyncEventKind = "sync.failed"
	EventItemFailed      SyncEventKind = "sync.item_failed"
	EventConflictFlagged SyncEventKind = "sync.conflict_flagged"
)

// SyncEvent is delivered to registered observers.
type SyncEvent struct {
	Kind      SyncEventKind `json:"kind"`
	Operation SyncOperation `json:"operation,omitempty"`
	Key       string        `json:"key,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// DrainStats summarizes one pass over the retry queue.
type DrainStats struct {
	Attempted   int
	Succeeded   int
	Rescheduled int
	Failed      int
	Duration    time.Duration
}

// SyncStatus is the coordinator's externally visible state.
type SyncStatus struct {
	Running     bool      `json:"running"`
	Pending     int       `json:"pending"`
	InFlight    int       `json:"inFlight"`
	Failed      int       `json:"failed"`
	Received    int64     `json:"received"`
	Processed   int64     `json:"processed"`
	Rejected    int64     `json:"rejected"`
	Conflicts   int64     `json:"conflicts"`
	Pushed      int64     `json:"pushed"`
	LastDrainAt time.Time `json:"lastDrainAt,omitempty"`
}
