package types

import "time"

// Document is the unit of storage. The original content is never
// stored, only its summary and a hash for change detection.
type Document struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Tags        Tags      `json:"tags,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"` // empty if the document has no content-hash basis
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	PartCount   int       `json:"part_count,omitempty"`
}

// Version is an archived prior state of a Document. Offset 0 always
// means "current" and is never materialized as a Version row; offset N
// addresses the Nth-newest archived state.
type Version struct {
	DocID          string    `json:"doc_id"`
	VersionOrdinal int       `json:"version_ordinal"` // 1 = oldest archived
	Summary        string    `json:"summary"`
	Tags           Tags      `json:"tags,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Part is a structural decomposition of a Document's content.
// Unlike Document and Version, Part retains full text and is not
// individually versioned — the whole set is replaced atomically by
// analyze.
type Part struct {
	DocID     string    `json:"doc_id"`
	PartNum   int       `json:"part_num"` // 1-indexed, stable across re-analysis
	Summary   string    `json:"summary"`
	Tags      Tags      `json:"tags,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// EdgeKey names a tag key that has been declared an edge key via
// `.tag/K`'s `_inverse` system tag.
type EdgeKey struct {
	Key     string
	Inverse string
}

// Edge is a directed relation derived from tags: it exists iff the
// source document has tags[Key] == TargetID and Key is an edge key.
type Edge struct {
	SourceID string
	Key      string
	TargetID string
}

// TaskKind enumerates the PendingQueue task kinds.
type TaskKind string

const (
	TaskEmbed         TaskKind = "embed"
	TaskSummarize     TaskKind = "summarize"
	TaskAnalyze       TaskKind = "analyze"
	TaskReembed       TaskKind = "reembed"
	TaskOCR           TaskKind = "ocr"
	TaskBackfillEdges TaskKind = "backfill-edges"
	TaskTagClassify   TaskKind = "tag-classify"
)

// PendingTask is one unit of deferred work.
type PendingTask struct {
	ID             string     `json:"id"`
	DocID          string     `json:"doc_id"`
	Kind           TaskKind   `json:"kind"`
	Payload        []byte     `json:"payload,omitempty"`
	Attempts       int        `json:"attempts"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// NowScope formats the id of a (possibly scoped) nowdoc singleton.
func NowScope(scope string) string {
	if scope == "" {
		return "now"
	}
	return "now:" + scope
}

// Item is a read-only, JSON-serializable snapshot of a document surfaced
// in search results and similar-item blocks, carrying an optional score.
type Item struct {
	ID      string  `json:"id"`
	Summary string  `json:"summary"`
	Tags    Tags    `json:"tags,omitempty"`
	Score   *float64 `json:"score,omitempty"`
	Changed *bool   `json:"changed,omitempty"`
}

// SimilarRef is a similar-item reference shown in a document's context
// block.
type SimilarRef struct {
	ID      string  `json:"id"`
	Offset  int     `json:"offset"`
	Score   float64 `json:"score"`
	Date    string  `json:"date"`
	Summary string  `json:"summary"`
}

// MetaRef is one result attached under a matched `.meta/NAME` label.
type MetaRef struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// VersionRef is a version-navigation entry.
type VersionRef struct {
	Offset  int    `json:"offset"`
	Date    string `json:"date"`
	Summary string `json:"summary"`
}

// PartRef is a parts-manifest entry.
type PartRef struct {
	PartNum int    `json:"part_num"`
	Summary string `json:"summary"`
	Tags    Tags   `json:"tags,omitempty"`
}

// DocumentContext is the complete display context for a document,
// assembled by Keeper.Get and shared across CLI, MCP, and REST callers.
type DocumentContext struct {
	Document      Document              `json:"document"`
	ViewingOffset int                   `json:"viewing_offset"`
	Similar       []SimilarRef          `json:"similar,omitempty"`
	Meta          map[string][]MetaRef  `json:"meta,omitempty"`
	Inverse       map[string][]MetaRef  `json:"inverse,omitempty"`
	Parts         []PartRef             `json:"parts,omitempty"`
	Prev          []VersionRef          `json:"prev,omitempty"`
	Next          []VersionRef          `json:"next,omitempty"`
}
