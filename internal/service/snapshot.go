package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"content_sync/internal/domain"
	"content_sync/internal/metrics"
)

const snapshotExt = ".json"

// SnapshotStore owns the on-disk snapshot documents. Each snapshot is one
// JSON file named after its id; files are never modified once published.
type SnapshotStore struct {
	dir     string
	stores  Stores
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewSnapshotStore(dir string, stores Stores, m *metrics.Metrics, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{
		dir:     dir,
		stores:  stores,
		metrics: m,
		logger:  logger.With("component", "snapshots"),
		now:     time.Now,
	}
}

// Create captures the full content state and publishes it atomically.
func (s *SnapshotStore) Create(ctx context.Context, kind domain.SnapshotKind, description string) (*domain.Snapshot, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: snapshot kind %q", domain.ErrValidation, kind)
	}

	var data *domain.SnapshotData
	err := s.stores.Tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		data, err = s.collect(txCtx)
		return err
	})
	if err != nil {
		s.metrics.RecordSnapshot("create", "error")
		return nil, fmt.Errorf("collect content: %w", err)
	}

	doc, raw, err := encodeSnapshot(domain.Snapshot{
		ID:            uuid.NewString(),
		Timestamp:     s.now().UTC(),
		Kind:          kind,
		Description:   description,
		SchemaVersion: domain.SnapshotSchemaVersion,
		Counts: domain.SnapshotCounts{
			Articles: len(data.Articles),
			Tags:     len(data.Tags),
			Series:   len(data.Series),
			Users:    len(data.Users),
		},
	}, *data)
	if err != nil {
		return nil, err
	}

	if err := s.publish(doc.Metadata.ID, raw); err != nil {
		s.metrics.RecordSnapshot("create", "error")
		return nil, err
	}

	s.metrics.RecordSnapshot("create", "success")
	s.metrics.SetSnapshotSize(doc.Metadata.Size)
	s.logger.Info("snapshot created",
		"id", doc.Metadata.ID,
		"kind", kind,
		"articles", doc.Metadata.Counts.Articles,
		"size", doc.Metadata.Size,
	)

	meta := doc.Metadata
	return &meta, nil
}

func (s *SnapshotStore) collect(ctx context.Context) (*domain.SnapshotData, error) {
	users, err := s.stores.Users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	series, err := s.stores.Series.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	tags, err := s.stores.Tags.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	articles, err := s.stores.Articles.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	tagLinks, err := s.stores.Tags.ListLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tag links: %w", err)
	}

	seriesSlugs := make(map[int64]string, len(series))
	for _, sr := range series {
		seriesSlugs[sr.ID] = sr.Slug
	}
	usernames := make(map[int64]string, len(users))
	for _, u := range users {
		usernames[u.ID] = u.Username
	}

	rel := domain.SnapshotRelationships{
		ArticleTags:    nonNil(tagLinks),
		ArticleSeries:  []domain.ArticleSeriesLink{},
		ArticleAuthors: []domain.ArticleAuthorLink{},
	}
	for _, a := range articles {
		if a.SeriesID != nil {
			if slug, ok := seriesSlugs[*a.SeriesID]; ok {
				rel.ArticleSeries = append(rel.ArticleSeries, domain.ArticleSeriesLink{ArticleSlug: a.Slug, SeriesSlug: slug})
			}
		}
		if a.AuthorID != nil {
			if name, ok := usernames[*a.AuthorID]; ok {
				rel.ArticleAuthors = append(rel.ArticleAuthors, domain.ArticleAuthorLink{ArticleSlug: a.Slug, Username: name})
			}
		}
	}

	return &domain.SnapshotData{
		Articles:      nonNil(articles),
		Tags:          nonNil(tags),
		Series:        nonNil(series),
		Users:         nonNil(users),
		Relationships: rel,
	}, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// encodeSnapshot fills in size and checksum and returns the published bytes.
// The checksum covers the compact document with an empty checksum field.
func encodeSnapshot(meta domain.Snapshot, data domain.SnapshotData) (*domain.SnapshotDocument, []byte, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("encode snapshot data: %w", err)
	}
	meta.Size = int64(len(dataBytes))
	meta.Checksum = ""

	doc := &domain.SnapshotDocument{Metadata: meta, SnapshotData: data}
	unsigned, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	doc.Metadata.Checksum = checksum(unsigned)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return doc, raw, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// verifyRaw recomputes the checksum of a stored document. The quoted field
// can only occur once unescaped, inside the metadata section.
func verifyRaw(raw []byte, stored string) bool {
	if stored == "" {
		return false
	}
	field := []byte(`"checksum":"` + stored + `"`)
	if bytes.Count(raw, field) != 1 {
		return false
	}
	unsigned := bytes.Replace(raw, field, []byte(`"checksum":""`), 1)
	return checksum(unsigned) == stored
}

func (s *SnapshotStore) publish(id string, raw []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, s.path(id)); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) path(id string) string {
	return filepath.Join(s.dir, id+snapshotExt)
}

// List returns snapshot metadata newest first. Unreadable documents are
// logged and skipped.
func (s *SnapshotStore) List(ctx context.Context) ([]domain.Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	snapshots := make([]domain.Snapshot, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}

		meta, err := readMetadata(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "file", name, "error", err)
			continue
		}
		snapshots = append(snapshots, *meta)
	}

	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

func readMetadata(path string) (*domain.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var head struct {
		Metadata *domain.Snapshot `json:"metadata"`
	}
	if err := json.NewDecoder(f).Decode(&head); err != nil {
		return nil, err
	}
	if head.Metadata == nil || head.Metadata.ID == "" {
		return nil, errors.New("missing metadata section")
	}
	return head.Metadata, nil
}

func (s *SnapshotStore) load(id string) (*domain.SnapshotDocument, []byte, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, id)
	}

	raw, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read snapshot: %w", err)
	}

	var doc domain.SnapshotDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, raw, fmt.Errorf("%w: decode snapshot %s: %v", domain.ErrChecksumMismatch, id, err)
	}
	return &doc, raw, nil
}

// Get returns the full snapshot document.
func (s *SnapshotStore) Get(ctx context.Context, id string) (*domain.SnapshotDocument, error) {
	doc, _, err := s.load(id)
	return doc, err
}

// Verify reports whether the stored document still matches its checksum.
func (s *SnapshotStore) Verify(ctx context.Context, id string) (bool, error) {
	doc, raw, err := s.load(id)
	if errors.Is(err, domain.ErrChecksumMismatch) {
		s.logger.Warn("snapshot failed verification", "id", id, "error", err)
		s.metrics.RecordSnapshot("verify", "corrupt")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ok := verifyRaw(raw, doc.Metadata.Checksum)
	if !ok {
		s.logger.Warn("snapshot checksum mismatch", "id", id)
		s.metrics.RecordSnapshot("verify", "corrupt")
	} else {
		s.metrics.RecordSnapshot("verify", "success")
	}
	return ok, nil
}

// Restore verifies the snapshot, takes a pre-operation snapshot of the
// current state and then applies the snapshot in one exclusive transaction.
// A full snapshot replaces the store; other kinds merge into it.
func (s *SnapshotStore) Restore(ctx context.Context, id string) (*domain.RestoreResult, error) {
	start := s.now()

	doc, raw, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if !verifyRaw(raw, doc.Metadata.Checksum) {
		s.metrics.RecordSnapshot("restore", "corrupt")
		return nil, fmt.Errorf("%w: %s", domain.ErrChecksumMismatch, id)
	}
	if doc.Metadata.SchemaVersion > domain.SnapshotSchemaVersion {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnsupportedSchema, doc.Metadata.SchemaVersion)
	}

	pre, err := s.Create(ctx, domain.SnapshotPreOperation, "before restore of "+id)
	if err != nil {
		return nil, fmt.Errorf("pre-restore snapshot: %w", err)
	}

	result := &domain.RestoreResult{SnapshotID: id, PreRestoreSnapshotID: pre.ID}

	err = s.stores.Tx.WithExclusiveTransaction(ctx, func(txCtx context.Context) error {
		restored, removed, err := s.apply(txCtx, doc)
		if err != nil {
			return err
		}
		result.Restored = restored
		result.Removed = removed
		return nil
	})
	if err != nil {
		s.metrics.RecordSnapshot("restore", "error")
		s.logger.Error("restore rolled back", "id", id, "error", err)
		return nil, fmt.Errorf("restore snapshot %s: %w", id, err)
	}

	result.Duration = s.now().Sub(start)
	s.metrics.RecordSnapshot("restore", "success")
	s.metrics.RecordRestored("upserted", result.Restored.Articles+result.Restored.Tags+result.Restored.Series+result.Restored.Users)
	s.metrics.RecordRestored("removed", result.Removed.Articles+result.Removed.Tags+result.Removed.Series+result.Removed.Users)
	s.logger.Info("snapshot restored",
		"id", id,
		"kind", doc.Metadata.Kind,
		"pre_restore_snapshot", pre.ID,
		"articles", result.Restored.Articles,
		"removed_articles", result.Removed.Articles,
	)

	return result, nil
}

// apply upserts every record by natural key, re-resolving foreign keys
// through the relationship sections, and for full snapshots removes what
// the snapshot does not contain.
func (s *SnapshotStore) apply(ctx context.Context, doc *domain.SnapshotDocument) (domain.SnapshotCounts, domain.SnapshotCounts, error) {
	var restored, removed domain.SnapshotCounts

	userIDs := make(map[string]int64, len(doc.Users))
	for i := range doc.Users {
		if err := ctx.Err(); err != nil {
			return restored, removed, err
		}
		u := doc.Users[i]
		id, err := s.stores.Users.Upsert(ctx, &u)
		if err != nil {
			return restored, removed, fmt.Errorf("upsert user %s: %w", u.Username, err)
		}
		userIDs[u.Username] = id
		restored.Users++
	}

	seriesIDs := make(map[string]int64, len(doc.Series))
	for i := range doc.Series {
		if err := ctx.Err(); err != nil {
			return restored, removed, err
		}
		sr := doc.Series[i]
		id, err := s.stores.Series.Upsert(ctx, &sr)
		if err != nil {
			return restored, removed, fmt.Errorf("upsert series %s: %w", sr.Slug, err)
		}
		seriesIDs[sr.Slug] = id
		restored.Series++
	}

	tagIDs := make(map[string]int64, len(doc.Tags))
	for i := range doc.Tags {
		if err := ctx.Err(); err != nil {
			return restored, removed, err
		}
		t := doc.Tags[i]
		id, err := s.stores.Tags.Upsert(ctx, &t)
		if err != nil {
			return restored, removed, fmt.Errorf("upsert tag %s: %w", t.Slug, err)
		}
		tagIDs[t.Slug] = id
		restored.Tags++
	}

	seriesOf := make(map[string]string, len(doc.Relationships.ArticleSeries))
	for _, l := range doc.Relationships.ArticleSeries {
		seriesOf[l.ArticleSlug] = l.SeriesSlug
	}
	authorOf := make(map[string]string, len(doc.Relationships.ArticleAuthors))
	for _, l := range doc.Relationships.ArticleAuthors {
		authorOf[l.ArticleSlug] = l.Username
	}
	tagsOf := make(map[string][]int64)
	for _, l := range doc.Relationships.ArticleTags {
		if id, ok := tagIDs[l.TagSlug]; ok {
			tagsOf[l.ArticleSlug] = append(tagsOf[l.ArticleSlug], id)
		}
	}

	articleSlugs := make([]string, 0, len(doc.Articles))
	for i := range doc.Articles {
		if err := ctx.Err(); err != nil {
			return restored, removed, err
		}
		a := doc.Articles[i]
		a.SeriesID = lookupID(seriesIDs, seriesOf[a.Slug])
		a.AuthorID = lookupID(userIDs, authorOf[a.Slug])

		if err := s.relink(ctx, &a); err != nil {
			return restored, removed, fmt.Errorf("relink article %s: %w", a.Slug, err)
		}
		id, err := s.stores.Articles.Upsert(ctx, &a)
		if err != nil {
			return restored, removed, fmt.Errorf("upsert article %s: %w", a.Slug, err)
		}
		if err := s.stores.Tags.LinkToArticle(ctx, id, tagsOf[a.Slug]); err != nil {
			return restored, removed, fmt.Errorf("link tags for %s: %w", a.Slug, err)
		}
		articleSlugs = append(articleSlugs, a.Slug)
		restored.Articles++
	}

	if doc.Metadata.Kind != domain.SnapshotFull {
		return restored, removed, nil
	}

	n, err := s.stores.Articles.DeleteExcept(ctx, articleSlugs)
	if err != nil {
		return restored, removed, fmt.Errorf("remove articles: %w", err)
	}
	removed.Articles = int(n)

	n, err = s.stores.Tags.DeleteExcept(ctx, keys(tagIDs))
	if err != nil {
		return restored, removed, fmt.Errorf("remove tags: %w", err)
	}
	removed.Tags = int(n)

	n, err = s.stores.Series.DeleteExcept(ctx, keys(seriesIDs))
	if err != nil {
		return restored, removed, fmt.Errorf("remove series: %w", err)
	}
	removed.Series = int(n)

	n, err = s.stores.Users.DeleteExcept(ctx, keys(userIDs))
	if err != nil {
		return restored, removed, fmt.Errorf("remove users: %w", err)
	}
	removed.Users = int(n)

	return restored, removed, nil
}

// relink settles a local article that holds the external id of a
// snapshot article under another slug, as left behind by a remote rename.
// The holder takes back the snapshot slug when it is free and otherwise
// gives up the link, so the upsert by slug never collides on external id.
func (s *SnapshotStore) relink(ctx context.Context, article *domain.Article) error {
	if article.ExternalID == nil {
		return nil
	}

	holder, err := s.stores.Articles.FindByExternalID(ctx, *article.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder.Slug == article.Slug {
		return nil
	}

	_, err = s.stores.Articles.FindBySlug(ctx, article.Slug)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.Info("restoring renamed article", "from", holder.Slug, "to", article.Slug)
		holder.Slug = article.Slug
	case err != nil:
		return err
	default:
		s.logger.Info("moving external link to restored article", "from", holder.Slug, "to", article.Slug)
		holder.ExternalID = nil
	}
	return s.stores.Articles.Update(ctx, holder)
}

func lookupID(ids map[string]int64, key string) *int64 {
	if key == "" {
		return nil
	}
	id, ok := ids[key]
	if !ok {
		return nil
	}
	return &id
}

func keys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ApplyRetention removes snapshots older than maxAgeDays and then all but
// the newest maxCount. A zero limit disables that rule. Deletion failures
// are logged and reported without stopping the sweep.
func (s *SnapshotStore) ApplyRetention(ctx context.Context, maxCount, maxAgeDays int) (*domain.RetentionResult, error) {
	snapshots, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &domain.RetentionResult{Deleted: []string{}}
	cutoff := s.now().AddDate(0, 0, -maxAgeDays)

	var kept []domain.Snapshot
	for _, snap := range snapshots {
		if maxAgeDays > 0 && snap.Timestamp.Before(cutoff) {
			s.remove(snap.ID, result)
			continue
		}
		kept = append(kept, snap)
	}

	if maxCount > 0 && len(kept) > maxCount {
		for _, snap := range kept[maxCount:] {
			s.remove(snap.ID, result)
		}
		kept = kept[:maxCount]
	}

	result.Kept = len(kept)
	s.logger.Info("retention applied", "deleted", len(result.Deleted), "kept", result.Kept, "failed", len(result.Failed))
	return result, nil
}

func (s *SnapshotStore) remove(id string, result *domain.RetentionResult) {
	if err := os.Remove(s.path(id)); err != nil {
		s.logger.Warn("failed to delete snapshot", "id", id, "error", err)
		result.Failed = append(result.Failed, id)
		return
	}
	result.Deleted = append(result.Deleted, id)
}

// Delete removes one snapshot on operator request.
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, id)
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	s.logger.Info("snapshot deleted", "id", id)
	return nil
}
