package domain

import "time"

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// DeriveStatus maps run outcomes onto a report status. A fatal error always
// fails the run; otherwise the run is partial when failures accompany
// successes and failed when nothing succeeded.
func DeriveStatus(succeeded, failed int, fatal error) RunStatus {
	switch {
	case fatal != nil:
		return RunFailed
	case failed == 0:
		return RunSuccess
	case succeeded > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// RunMetrics is the live view of a single run.
type RunMetrics struct {
	Operation           string     `json:"operation"`
	Total               int        `json:"total"`
	Processed           int        `json:"processed"`
	Errors              int        `json:"errors"`
	Warnings            int        `json:"warnings"`
	Progress            float64    `json:"progress"`
	StartedAt           time.Time  `json:"startedAt"`
	StoppedAt           *time.Time `json:"stoppedAt,omitempty"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
	Rate                float64    `json:"rate"`
}

type ReportKind string

const (
	ReportMigration ReportKind = "migration"
	ReportBackup    ReportKind = "backup"
	ReportRestore   ReportKind = "restore"
	ReportSync      ReportKind = "sync"
	ReportContent   ReportKind = "content"
)

// ContentQuality is the completeness and SEO view derived from ContentStats.
type ContentQuality struct {
	CompletenessScore   float64 `json:"completenessScore"`
	TitleRate           float64 `json:"titleRate"`
	ContentRate         float64 `json:"contentRate"`
	ExcerptRate         float64 `json:"excerptRate"`
	TagRate             float64 `json:"tagRate"`
	CoverRate           float64 `json:"coverRate"`
	MetaTitleRate       float64 `json:"metaTitleRate"`
	MetaDescriptionRate float64 `json:"metaDescriptionRate"`
	PublishedRate       float64 `json:"publishedRate"`
}

// RunReport is the immutable audit record of a run.
type RunReport struct {
	ID              string         `json:"id"`
	Kind            ReportKind     `json:"kind"`
	Status          RunStatus      `json:"status"`
	GeneratedAt     time.Time      `json:"generatedAt"`
	Metrics         RunMetrics     `json:"metrics"`
	Stats           ContentStats   `json:"stats"`
	Quality         ContentQuality `json:"quality"`
	Recommendations []string       `json:"recommendations"`
	Errors          []string       `json:"errors"`
	Warnings        []string       `json:"warnings"`
	SnapshotID      string         `json:"snapshotId,omitempty"`
}

// MigrationResult summarizes a migration run.
type MigrationResult struct {
	Imported    int           `json:"imported"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	DryRun      bool          `json:"dryRun"`
	WouldImport []string      `json:"wouldImport,omitempty"`
	Errors      []RecordError `json:"errors,omitempty"`
	Duration    time.Duration `json:"duration"`
}
