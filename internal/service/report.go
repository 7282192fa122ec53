package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"content_sync/internal/domain"
)

type ReportFormat string

const (
	FormatJSON     ReportFormat = "json"
	FormatMarkdown ReportFormat = "markdown"
	FormatHTML     ReportFormat = "html"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ReportStore persists run reports as JSON, one file per report.
type ReportStore struct {
	dir string
}

func NewReportStore(dir string) *ReportStore {
	return &ReportStore{dir: dir}
}

func (s *ReportStore) Save(report *domain.RunReport) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	path := filepath.Join(s.dir, report.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish report: %w", err)
	}
	return path, nil
}

func (s *ReportStore) Load(id string) (*domain.RunReport, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: report %s", domain.ErrNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: report %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}

	var report domain.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

// RenderReport renders the report. JSON is the canonical form; markdown
// and HTML are views of it.
func RenderReport(report *domain.RunReport, format ReportFormat) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(report, "", "  ")
	case FormatMarkdown:
		return []byte(reportMarkdown(report)), nil
	case FormatHTML:
		var buf bytes.Buffer
		buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
		buf.WriteString(fmt.Sprintf("%s report %s", report.Kind, report.ID))
		buf.WriteString("</title></head><body>\n")
		if err := md.Convert([]byte(reportMarkdown(report)), &buf); err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
		buf.WriteString("</body></html>\n")
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: unknown report format %q", domain.ErrValidation, format)
	}
}

func reportMarkdown(r *domain.RunReport) string {
	var b strings.Builder
	pct := func(v float64) string { return fmt.Sprintf("%.1f%%", v*100) }

	fmt.Fprintf(&b, "# %s report\n\n", capitalize(string(r.Kind)))
	fmt.Fprintf(&b, "- **Status:** %s\n", r.Status)
	fmt.Fprintf(&b, "- **Generated:** %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- **Report ID:** `%s`\n", r.ID)
	if r.SnapshotID != "" {
		fmt.Fprintf(&b, "- **Snapshot:** `%s`\n", r.SnapshotID)
	}

	if r.Metrics.Operation != "" {
		b.WriteString("\n## Run\n\n")
		b.WriteString("| Metric | Value |\n|---|---|\n")
		fmt.Fprintf(&b, "| Operation | %s |\n", r.Metrics.Operation)
		fmt.Fprintf(&b, "| Processed | %d / %d |\n", r.Metrics.Processed, r.Metrics.Total)
		fmt.Fprintf(&b, "| Progress | %.1f%% |\n", r.Metrics.Progress)
		fmt.Fprintf(&b, "| Errors | %d |\n", r.Metrics.Errors)
		fmt.Fprintf(&b, "| Warnings | %d |\n", r.Metrics.Warnings)
		fmt.Fprintf(&b, "| Rate | %.2f/s |\n", r.Metrics.Rate)
	}

	b.WriteString("\n## Content\n\n")
	b.WriteString("| Type | Count |\n|---|---|\n")
	fmt.Fprintf(&b, "| Articles | %d |\n| Tags | %d |\n| Series | %d |\n| Users | %d |\n",
		r.Stats.Articles, r.Stats.Tags, r.Stats.Series, r.Stats.Users)

	if len(r.Stats.ByStatus) > 0 {
		b.WriteString("\n### By status\n\n")
		statuses := make([]string, 0, len(r.Stats.ByStatus))
		for st := range r.Stats.ByStatus {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		for _, st := range statuses {
			fmt.Fprintf(&b, "- %s: %d\n", st, r.Stats.ByStatus[domain.ArticleStatus(st)])
		}
	}

	if len(r.Stats.TagDistribution) > 0 {
		b.WriteString("\n### Top tags\n\n")
		type tagCount struct {
			slug  string
			count int
		}
		tags := make([]tagCount, 0, len(r.Stats.TagDistribution))
		for slug, n := range r.Stats.TagDistribution {
			tags = append(tags, tagCount{slug, n})
		}
		sort.Slice(tags, func(i, j int) bool {
			if tags[i].count != tags[j].count {
				return tags[i].count > tags[j].count
			}
			return tags[i].slug < tags[j].slug
		})
		for i, t := range tags {
			if i == 10 {
				break
			}
			fmt.Fprintf(&b, "- %s: %d\n", t.slug, t.count)
		}
	}

	b.WriteString("\n## Quality\n\n")
	fmt.Fprintf(&b, "Completeness score: **%.1f**\n\n", r.Quality.CompletenessScore)
	b.WriteString("| Field | Coverage |\n|---|---|\n")
	fmt.Fprintf(&b, "| Title | %s |\n", pct(r.Quality.TitleRate))
	fmt.Fprintf(&b, "| Content | %s |\n", pct(r.Quality.ContentRate))
	fmt.Fprintf(&b, "| Excerpt | %s |\n", pct(r.Quality.ExcerptRate))
	fmt.Fprintf(&b, "| Tags | %s |\n", pct(r.Quality.TagRate))
	fmt.Fprintf(&b, "| Cover image | %s |\n", pct(r.Quality.CoverRate))
	fmt.Fprintf(&b, "| Meta title | %s |\n", pct(r.Quality.MetaTitleRate))
	fmt.Fprintf(&b, "| Meta description | %s |\n", pct(r.Quality.MetaDescriptionRate))

	writeList(&b, "Recommendations", r.Recommendations)
	writeList(&b, "Errors", r.Errors)
	writeList(&b, "Warnings", r.Warnings)

	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
