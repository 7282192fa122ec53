package domain

import "time"

// SnapshotSchemaVersion is bumped whenever the document layout changes.
const SnapshotSchemaVersion = 1

type SnapshotKind string

const (
	SnapshotFull         SnapshotKind = "full"
	SnapshotIncremental  SnapshotKind = "incremental"
	SnapshotPreOperation SnapshotKind = "pre-operation"
)

func (k SnapshotKind) Valid() bool {
	switch k {
	case SnapshotFull, SnapshotIncremental, SnapshotPreOperation:
		return true
	}
	return false
}

type SnapshotCounts struct {
	Articles int `json:"articles"`
	Tags     int `json:"tags"`
	Series   int `json:"series"`
	Users    int `json:"users"`
}

// Snapshot is the metadata section of a snapshot document.
type Snapshot struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Kind          SnapshotKind   `json:"kind"`
	Description   string         `json:"description"`
	Size          int64          `json:"size"`
	Checksum      string         `json:"checksum"`
	Counts        SnapshotCounts `json:"counts"`
	SchemaVersion int            `json:"schemaVersion"`
}

type SnapshotRelationships struct {
	ArticleTags    []ArticleTagLink    `json:"articleTags"`
	ArticleSeries  []ArticleSeriesLink `json:"articleSeries"`
	ArticleAuthors []ArticleAuthorLink `json:"articleAuthors"`
}

// SnapshotData holds the content sections of a snapshot document.
type SnapshotData struct {
	Articles      []Article             `json:"articles"`
	Tags          []Tag                 `json:"tags"`
	Series        []Series              `json:"series"`
	Users         []User                `json:"users"`
	Relationships SnapshotRelationships `json:"relationships"`
}

// SnapshotDocument is the versioned on-disk representation.
type SnapshotDocument struct {
	Metadata Snapshot `json:"metadata"`
	SnapshotData
}

type RestoreResult struct {
	SnapshotID           string         `json:"snapshotId"`
	PreRestoreSnapshotID string         `json:"preRestoreSnapshotId"`
	Restored             SnapshotCounts `json:"restored"`
	Removed              SnapshotCounts `json:"removed"`
	Duration             time.Duration  `json:"duration"`
}

type RetentionResult struct {
	Deleted []string `json:"deleted"`
	Kept    int      `json:"kept"`
	Failed  []string `json:"failed,omitempty"`
}
