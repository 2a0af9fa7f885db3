// Package scout defines core types shared across subsystems.
package scout

import (
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values tracked by the job tracker.
const (
	JobStatusPending JobStatus = "pending"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// ScrapeJob is the tracked state for one accepted scrape request.
// Counters are mutated only by the job tracker as candidates are enqueued
// and results complete; a repeated request gets a fresh job, never a reset.
type ScrapeJob struct {
	ID             string    `json:"job_id"`
	SourceURL      string    `json:"source_url"`
	Keyword        string    `json:"keyword"`
	CreatedAt      time.Time `json:"created_at"`
	ExpectedCount  int       `json:"expected_count"`
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	Status         JobStatus `json:"status"`
}

// LinkCandidate is one discovered link plus the context needed to score it.
// Immutable once created by the extractor.
type LinkCandidate struct {
	JobID       string `json:"job_id"`
	SourceURL   string `json:"source_url"`
	HrefURL     string `json:"href_url"`
	ContextText string `json:"context_text"`
	Keyword     string `json:"keyword"`
}

// IdempotencyKey derives the stable key used to collapse duplicate
// deliveries of the same candidate across redeliveries and consumers.
func (c LinkCandidate) IdempotencyKey() string {
	return c.JobID + "|" + c.HrefURL
}

// ScoredLink is a candidate with all component scores populated.
// All scores are in [0,1]; RelevanceScore is strictly inside (0,1).
type ScoredLink struct {
	LinkCandidate
	ExactMatchScore float64 `json:"exact_match_score"`
	SemanticScore   float64 `json:"semantic_score"`
	ContextScore    float64 `json:"context_score"`
	RelevanceScore  float64 `json:"relevance_score"`
}

// StoredItem is the persisted row for one logical result. The tuple
// (SourceURL, HrefURL, Keyword) is the natural key; re-processing the same
// triple upserts in place.
type StoredItem struct {
	ID             int64          `json:"id"`
	Keyword        string         `json:"keyword"`
	SourceURL      string         `json:"source_url"`
	HrefURL        string         `json:"href_url"`
	RelevanceScore float64        `json:"relevance_score"`
	RawMetadata    map[string]any `json:"raw_metadata,omitempty"`
	ProcessedAt    time.Time      `json:"processed_at"`
}

// Page is the raw fetch result handed to the extractor.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}
