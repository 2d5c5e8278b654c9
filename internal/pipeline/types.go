// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"fmt"
	"time"
)

// Stage identifies a phase of the ingestion pipeline.
type Stage string

// Pipeline stages persisted in checkpoints and failure records.
const (
	StageDiscovery      Stage = "stage1_discovery"
	StageExtraction     Stage = "stage2_extraction"
	StageVersions       Stage = "stage3_versions"
	StageReconciliation Stage = "reconciliation"
)

// VersionStatus categorizes a version of a multi-version section.
type VersionStatus string

// Version status values.
const (
	VersionCurrent    VersionStatus = "current"
	VersionFuture     VersionStatus = "future"
	VersionHistorical VersionStatus = "historical"
)

// Version is one legally operative text of a multi-version section.
type Version struct {
	Number             int           `json:"version_number"`
	Description        string        `json:"description,omitempty"`
	Content            string        `json:"content"`
	LegislativeHistory string        `json:"legislative_history,omitempty"`
	OperativeDate      string        `json:"operative_date,omitempty"`
	Status             VersionStatus `json:"status"`
	URL                string        `json:"url,omitempty"`
}

// Section is the smallest addressable unit of statutory text within a code.
// Identity is (Code, Number).
type Section struct {
	Code   string `json:"code"`
	Number string `json:"section"`
	URL    string `json:"url"`

	Content            string `json:"content,omitempty"`
	RawContent         string `json:"raw_content,omitempty"`
	LegislativeHistory string `json:"legislative_history,omitempty"`
	HasContent         bool   `json:"has_content"`
	ContentLength      int    `json:"content_length,omitempty"`

	IsMultiVersion bool      `json:"is_multi_version"`
	Versions       []Version `json:"versions,omitempty"`

	Division string `json:"division,omitempty"`
	Part     string `json:"part,omitempty"`
	Chapter  string `json:"chapter,omitempty"`
	Article  string `json:"article,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identifier returns the canonical "CODE:section" identifier.
func (s Section) Identifier() string {
	return fmt.Sprintf("%s:%s", s.Code, s.Number)
}

// Complete reports whether the section has either extracted content or a
// non-empty version list.
func (s Section) Complete() bool {
	if s.HasContent && s.Content != "" {
		return true
	}
	return s.IsMultiVersion && len(s.Versions) > 0
}

// ContentUpdate is the full-overwrite content write applied after a
// successful single-version extraction.
type ContentUpdate struct {
	Code               string
	Section            string
	Content            string
	RawContent         string
	LegislativeHistory string
	SourceURL          string
}

// Code is a named body of statutes being ingested.
type Code struct {
	Code     string `json:"code"`
	FullName string `json:"full_name,omitempty"`
	URL      string `json:"url"`

	TotalSections      int `json:"total_sections"`
	SingleVersionCount int `json:"single_version_count"`
	MultiVersionCount  int `json:"multi_version_count"`
	ProcessedSections  int `json:"processed_sections"`

	Stage1Completed bool `json:"stage1_completed"`
	Stage2Completed bool `json:"stage2_completed"`
	Stage3Completed bool `json:"stage3_completed"`

	Stage1Started  *time.Time `json:"stage1_started,omitempty"`
	Stage1Finished *time.Time `json:"stage1_finished,omitempty"`
	Stage2Started  *time.Time `json:"stage2_started,omitempty"`
	Stage2Finished *time.Time `json:"stage2_finished,omitempty"`
	Stage3Started  *time.Time `json:"stage3_started,omitempty"`
	Stage3Finished *time.Time `json:"stage3_finished,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// CodeUpdate is a partial update to Code bookkeeping. Nil fields are
// left untouched.
type CodeUpdate struct {
	FullName           *string
	TotalSections      *int
	SingleVersionCount *int
	MultiVersionCount  *int
	ProcessedSections  *int
	Stage1Completed    *bool
	Stage2Completed    *bool
	Stage3Completed    *bool
	Stage1Started      *time.Time
	Stage1Finished     *time.Time
	Stage2Started      *time.Time
	Stage2Finished     *time.Time
	Stage3Started      *time.Time
	Stage3Finished     *time.Time
}

// CheckpointStatus is the lifecycle state of a checkpoint.
type CheckpointStatus string

// Checkpoint status values.
const (
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointPaused     CheckpointStatus = "paused"
	CheckpointCompleted  CheckpointStatus = "completed"
	CheckpointFailed     CheckpointStatus = "failed"
)

// Active reports whether the checkpoint can be resumed.
func (s CheckpointStatus) Active() bool {
	return s == CheckpointInProgress || s == CheckpointPaused
}

// Checkpoint is the persisted progress marker for one (code, stage) run.
// It is updated after every batch and is the sole resume mechanism.
type Checkpoint struct {
	Code   string           `json:"code"`
	Stage  Stage            `json:"stage"`
	Status CheckpointStatus `json:"status"`

	TotalSections     int      `json:"total_sections"`
	ProcessedSections int      `json:"processed_sections"`
	FailedSections    []string `json:"failed_sections"`

	CurrentBatch int `json:"current_batch"`
	TotalBatches int `json:"total_batches"`
	BatchSize    int `json:"batch_size"`
	Workers      int `json:"workers"`

	StartedAt   time.Time  `json:"started_at"`
	LastUpdated time.Time  `json:"last_updated"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ErrorText   string     `json:"error_text,omitempty"`
}

// FailureType classifies why a section extraction failed.
type FailureType string

// Failure taxonomy.
const (
	FailureAPIError            FailureType = "api_error"
	FailureTimeout             FailureType = "timeout"
	FailureParseError          FailureType = "parse_error"
	FailureEmptyContent        FailureType = "empty_content"
	FailureNetworkError        FailureType = "network_error"
	FailureMultiVersionTimeout FailureType = "multi_version_timeout"
	FailureRepealed            FailureType = "repealed"
	FailureUnknown             FailureType = "unknown"
)

// RetryStatus is the retry lifecycle state of a failed section.
type RetryStatus string

// Retry status values. Terminal states are succeeded and abandoned.
const (
	RetryPending   RetryStatus = "pending"
	RetryRetrying  RetryStatus = "retrying"
	RetrySucceeded RetryStatus = "succeeded"
	RetryFailed    RetryStatus = "failed"
	RetryAbandoned RetryStatus = "abandoned"
)

// Terminal reports whether no further automatic retries should happen.
func (s RetryStatus) Terminal() bool {
	return s == RetrySucceeded || s == RetryAbandoned
}

// RetryAttempt is one entry of a failed section's attempt log.
type RetryAttempt struct {
	At            time.Time `json:"at"`
	Success       bool      `json:"success"`
	ErrorText     string    `json:"error,omitempty"`
	ContentLength int       `json:"content_length,omitempty"`
	VersionCount  int       `json:"version_count,omitempty"`
}

// FailedSection is a ledger entry for a section that could not be
// extracted. Identity is (Code, Section).
type FailedSection struct {
	Code    string `json:"code"`
	Section string `json:"section"`
	URL     string `json:"url"`

	FailureType FailureType `json:"failure_type"`
	ErrorText   string      `json:"error_message"`
	Stage       Stage       `json:"stage"`
	BatchNumber int         `json:"batch_number,omitempty"`

	IsMultiVersion bool           `json:"is_multi_version"`
	RetryStatus    RetryStatus    `json:"retry_status"`
	RetryCount     int            `json:"retry_count"`
	Attempts       []RetryAttempt `json:"retry_attempts,omitempty"`
	Notes          string         `json:"notes,omitempty"`

	FailedAt    time.Time  `json:"failed_at"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Identifier returns the canonical "CODE:section" identifier.
func (f FailedSection) Identifier() string {
	return fmt.Sprintf("%s:%s", f.Code, f.Section)
}

// FailureReport is the per-code aggregate written when a run finishes
// with unresolved failures.
type FailureReport struct {
	Code        string    `json:"code"`
	GeneratedAt time.Time `json:"generated_at"`

	TotalSections      int     `json:"total_sections"`
	SuccessfulSections int     `json:"successful_sections"`
	FailedSections     int     `json:"failed_sections"`
	CompletionRate     float64 `json:"completion_rate"`

	FailuresByType  map[FailureType]int `json:"failures_by_type"`
	FailuresByStage map[Stage]int       `json:"failures_by_stage"`

	PendingRetry   int `json:"pending_retry"`
	RetrySucceeded int `json:"retry_succeeded"`
	RetryFailed    int `json:"retry_failed"`
	Abandoned      int `json:"abandoned"`
}

// JobStatus is the lifecycle state of a pipeline job.
type JobStatus string

// Job status values.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job tracks one end-to-end pipeline run for a code.
type Job struct {
	ID     string    `json:"job_id"`
	Code   string    `json:"code"`
	Status JobStatus `json:"status"`
	Stage  Stage     `json:"stage,omitempty"`

	TotalSections     int     `json:"total_sections"`
	ProcessedSections int     `json:"processed_sections"`
	FailedSections    int     `json:"failed_sections"`
	Progress          float64 `json:"progress_percentage"`
	ErrorText         string  `json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
}

// JobUpdate is a partial update to a Job. Nil fields are left untouched.
type JobUpdate struct {
	Status            *JobStatus
	Stage             *Stage
	TotalSections     *int
	ProcessedSections *int
	FailedSections    *int
	Progress          *float64
	ErrorText         *string
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// NewJobID derives a job identifier from the code and a timestamp,
// e.g. "fam_20250114_120530".
func NewJobID(code string, at time.Time) string {
	return fmt.Sprintf("%s_%s", sanitizeCode(code), at.UTC().Format("20060102_150405"))
}

func sanitizeCode(code string) string {
	out := make([]rune, 0, len(code))
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+'a'-'A')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		}
	}
	return string(out)
}

// WorkItem is one unit of extraction work: a section and the URL to
// fetch it from.
type WorkItem struct {
	Code    string `json:"code"`
	Section string `json:"section"`
	URL     string `json:"url"`
}

// Identifier returns the canonical "CODE:section" identifier.
func (w WorkItem) Identifier() string {
	return fmt.Sprintf("%s:%s", w.Code, w.Section)
}

// FetchResult is the payload returned by a successful gateway fetch.
type FetchResult struct {
	// SourceURL is the final URL after redirects. Multi-version sections
	// redirect to a version selector page, which is how they are detected.
	SourceURL  string
	Content    string
	StatusCode int
	Duration   time.Duration
}

// ExtractResult summarizes one extraction engine run.
type ExtractResult struct {
	Code               string   `json:"code"`
	TotalSections      int      `json:"total_sections"`
	SingleVersionCount int      `json:"single_version_count"`
	MultiVersionCount  int      `json:"multi_version_count"`
	Failed             []string `json:"failed_sections"`
}

// VersionResult is the outcome of resolving one multi-version section.
type VersionResult struct {
	Code           string    `json:"code"`
	Section        string    `json:"section"`
	IsMultiVersion bool      `json:"is_multi_version"`
	Versions       []Version `json:"versions"`
	Expected       int       `json:"expected_versions"`
}
