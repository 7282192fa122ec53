package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"content_sync/internal/domain"
)

// Completeness weights; they sum to 1.
const (
	weightTitle   = 0.20
	weightContent = 0.25
	weightExcerpt = 0.15
	weightTags    = 0.15
	weightCover   = 0.10
	weightMeta    = 0.15
)

// AnalyticsCollector tracks the live metrics of the current run and builds
// run reports. Subscribers receive a copy of the metrics on every change.
type AnalyticsCollector struct {
	articles ArticleStore
	now      func() time.Time

	mu          sync.RWMutex
	run         *domain.RunMetrics
	errors      []string
	warnings    []string
	subscribers map[int]chan domain.RunMetrics
	nextSub     int
}

func NewAnalyticsCollector(articles ArticleStore) *AnalyticsCollector {
	return &AnalyticsCollector{
		articles:    articles,
		now:         time.Now,
		subscribers: make(map[int]chan domain.RunMetrics),
	}
}

// StartRun resets the collector for a new run. total may be zero when the
// size is not known yet.
func (c *AnalyticsCollector) StartRun(operation string, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.run = &domain.RunMetrics{
		Operation: operation,
		Total:     max(total, 0),
		StartedAt: c.now(),
	}
	c.errors = nil
	c.warnings = nil
	c.refreshLocked()
}

// SetTotal updates the expected unit count once it becomes known.
func (c *AnalyticsCollector) SetTotal(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil || total < 0 {
		return
	}
	c.run.Total = total
	c.refreshLocked()
}

// UpdateRun advances processed by delta. Negative deltas are ignored so
// processed never decreases within a run.
func (c *AnalyticsCollector) UpdateRun(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil || delta <= 0 {
		return
	}
	c.run.Processed += delta
	c.refreshLocked()
}

func (c *AnalyticsCollector) RecordError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errors = append(c.errors, msg)
	if c.run != nil {
		c.run.Errors++
		c.refreshLocked()
	}
}

func (c *AnalyticsCollector) RecordWarning(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.warnings = append(c.warnings, msg)
	if c.run != nil {
		c.run.Warnings++
		c.refreshLocked()
	}
}

// StopRun freezes the run and returns its final metrics.
func (c *AnalyticsCollector) StopRun() domain.RunMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil {
		return domain.RunMetrics{}
	}
	stopped := c.now()
	c.run.StoppedAt = &stopped
	c.refreshLocked()
	return *c.run
}

// Metrics returns a copy of the current run, if any.
func (c *AnalyticsCollector) Metrics() (domain.RunMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.run == nil {
		return domain.RunMetrics{}, false
	}
	return *c.run, true
}

// Issues returns the errors and warnings recorded during the current run.
func (c *AnalyticsCollector) Issues() ([]string, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]string(nil), c.errors...), append([]string(nil), c.warnings...)
}

// Subscribe streams metric updates until cancel is called. Slow subscribers
// miss intermediate updates.
func (c *AnalyticsCollector) Subscribe() (<-chan domain.RunMetrics, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan domain.RunMetrics, 16)
	c.subscribers[id] = ch

	if c.run != nil {
		ch <- *c.run
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subscribers, id)
			close(ch)
		})
	}
}

func (c *AnalyticsCollector) refreshLocked() {
	run := c.run
	now := c.now()
	if run.StoppedAt != nil {
		now = *run.StoppedAt
	}

	run.Progress = progress(run.Processed, run.Total)

	elapsed := now.Sub(run.StartedAt)
	run.EstimatedCompletion = nil
	run.Rate = 0
	if run.Processed > 0 && elapsed > 0 {
		run.Rate = float64(run.Processed) / elapsed.Seconds()
		remaining := max(run.Total-run.Processed, 0)
		perUnit := elapsed / time.Duration(run.Processed)
		// Projected from now, not from the start of the run.
		eta := now.Add(perUnit * time.Duration(remaining))
		run.EstimatedCompletion = &eta
	}

	for _, ch := range c.subscribers {
		select {
		case ch <- *run:
		default:
		}
	}
}

func progress(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	return math.Max(0, math.Min(100, p))
}

// BuildReport folds the current run and the content aggregates into a
// report. Extra errors and warnings are appended to those recorded during
// the run.
func (c *AnalyticsCollector) BuildReport(ctx context.Context, kind domain.ReportKind, status domain.RunStatus, errs, warnings []string) (*domain.RunReport, error) {
	stats, err := c.articles.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("content stats: %w", err)
	}

	runMetrics, _ := c.Metrics()
	runErrs, runWarnings := c.Issues()

	quality := ComputeQuality(stats)

	return &domain.RunReport{
		ID:              uuid.NewString(),
		Kind:            kind,
		Status:          status,
		GeneratedAt:     c.now().UTC(),
		Metrics:         runMetrics,
		Stats:           *stats,
		Quality:         quality,
		Recommendations: Recommendations(stats, quality),
		Errors:          append(runErrs, errs...),
		Warnings:        append(runWarnings, warnings...),
	}, nil
}

func rate(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// ComputeQuality derives presence rates and the weighted completeness
// score. All rates are zero for an empty store.
func ComputeQuality(stats *domain.ContentStats) domain.ContentQuality {
	total := stats.Articles
	q := domain.ContentQuality{
		TitleRate:           rate(stats.WithTitle, total),
		ContentRate:         rate(stats.WithContent, total),
		ExcerptRate:         rate(stats.WithExcerpt, total),
		TagRate:             rate(stats.WithTags, total),
		CoverRate:           rate(stats.WithCover, total),
		MetaTitleRate:       rate(stats.WithMetaTitle, total),
		MetaDescriptionRate: rate(stats.WithMetaDescription, total),
		PublishedRate:       rate(stats.ByStatus[domain.StatusPublished], total),
	}

	meta := (q.MetaTitleRate + q.MetaDescriptionRate) / 2
	score := weightTitle*q.TitleRate +
		weightContent*q.ContentRate +
		weightExcerpt*q.ExcerptRate +
		weightTags*q.TagRate +
		weightCover*q.CoverRate +
		weightMeta*meta
	q.CompletenessScore = math.Round(score*1000) / 10

	return q
}

// Recommendations turns threshold checks into operator guidance.
func Recommendations(stats *domain.ContentStats, q domain.ContentQuality) []string {
	recs := []string{}
	if stats.Articles == 0 {
		return recs
	}

	pct := func(r float64) string { return fmt.Sprintf("%.0f%%", r*100) }

	if q.MetaTitleRate < 0.8 {
		recs = append(recs, fmt.Sprintf("Only %s of articles have a meta title; add SEO titles to the rest.", pct(q.MetaTitleRate)))
	}
	if q.MetaDescriptionRate < 0.8 {
		recs = append(recs, fmt.Sprintf("Only %s of articles have a meta description.", pct(q.MetaDescriptionRate)))
	}
	if q.CoverRate < 0.5 {
		recs = append(recs, fmt.Sprintf("Only %s of articles have a cover image.", pct(q.CoverRate)))
	}
	if q.TagRate < 0.9 {
		recs = append(recs, fmt.Sprintf("%s of articles are untagged.", pct(1-q.TagRate)))
	}
	if q.ExcerptRate < 0.9 {
		recs = append(recs, fmt.Sprintf("%s of articles have no excerpt.", pct(1-q.ExcerptRate)))
	}
	if rate(stats.ByStatus[domain.StatusDraft], stats.Articles) > 0.5 {
		recs = append(recs, "More than half of all articles are drafts; review and publish or archive them.")
	}
	if stats.NeedsReview > 0 {
		recs = append(recs, fmt.Sprintf("%d articles are flagged for sync conflict review.", stats.NeedsReview))
	}
	return recs
}
