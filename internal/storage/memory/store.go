// Package memory is a transactional in-process content repository. A
// transaction works on a private copy of the state that replaces the shared
// state on commit, so a failed transaction leaves no trace.
package memory

import (
	"context"
	"sync"
	"time"

	"content_sync/internal/domain"
)

type ctxKey struct{}

type state struct {
	nextID     int64
	articles   map[string]domain.Article
	tags       map[string]domain.Tag
	series     map[string]domain.Series
	users      map[string]domain.User
	links      map[int64]map[int64]struct{}
	syncStates map[string]domain.SyncState
}

func newState() *state {
	return &state{
		articles:   make(map[string]domain.Article),
		tags:       make(map[string]domain.Tag),
		series:     make(map[string]domain.Series),
		users:      make(map[string]domain.User),
		links:      make(map[int64]map[int64]struct{}),
		syncStates: make(map[string]domain.SyncState),
	}
}

func (s *state) clone() *state {
	c := &state{
		nextID:     s.nextID,
		articles:   make(map[string]domain.Article, len(s.articles)),
		tags:       make(map[string]domain.Tag, len(s.tags)),
		series:     make(map[string]domain.Series, len(s.series)),
		users:      make(map[string]domain.User, len(s.users)),
		links:      make(map[int64]map[int64]struct{}, len(s.links)),
		syncStates: make(map[string]domain.SyncState, len(s.syncStates)),
	}
	for k, v := range s.articles {
		c.articles[k] = v
	}
	for k, v := range s.tags {
		c.tags[k] = v
	}
	for k, v := range s.series {
		c.series[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.links {
		set := make(map[int64]struct{}, len(v))
		for id := range v {
			set[id] = struct{}{}
		}
		c.links[k] = set
	}
	for k, v := range s.syncStates {
		c.syncStates[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is the shared state behind the per-entity stores.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

// SetClock replaces the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// view runs fn against the transaction state carried by ctx, or against the
// shared state under the store lock.
func (s *Store) view(ctx context.Context, fn func(st *state) error) error {
	if st, ok := ctx.Value(ctxKey{}).(*state); ok {
		return fn(st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *Store) Articles() *ArticleStore { return &ArticleStore{s} }
func (s *Store) Tags() *TagStore { return &TagStore{s} }
func (s *Store) Series() *SeriesStore { return &SeriesStore{s} }
func (s *Store) Users() *UserStore { return &UserStore{s} }
func (s *Store) SyncState() *SyncStateStore { return &SyncStateStore{s} }
func (s *Store) Tx() *TransactionManager { return &TransactionManager{s} }

type TransactionManager struct {
	s *Store
}

// WithTransaction serializes with every other writer; nested calls join the
// outer transaction.
func (tm *TransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(ctxKey{}).(*state); ok {
		return fn(ctx)
	}

	tm.s.mu.Lock()
	defer tm.s.mu.Unlock()

	working := tm.s.state.clone()
	if err := fn(context.WithValue(ctx, ctxKey{}, working)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tm.s.state = working
	return nil
}

// WithExclusiveTransaction is WithTransaction: every transaction already
// holds the store lock for its whole duration.
func (tm *TransactionManager) WithExclusiveTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return tm.WithTransaction(ctx, fn)
}
