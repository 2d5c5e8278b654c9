package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInterrupted is returned when a run was stopped by an operator
// signal. The checkpoint has been flushed and the run is resumable;
// callers must not treat this as a failure.
var ErrInterrupted = errors.New("run interrupted")

// Fetcher retrieves a single page. Implementations own their retry and
// timeout behavior and must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// Classifier parses a fetched page into section content. It is pure:
// no I/O, no shared state.
type Classifier interface {
	// IsMultiVersion reports whether the page is a version selector
	// rather than section text.
	IsMultiVersion(sourceURL, content string) bool
	// ExtractSection returns the section body and its legislative
	// history. An empty body means the section was not found on the
	// page (possibly repealed).
	ExtractSection(content, section string) (body string, history string)
}

// SectionStore persists Section records keyed by (code, section).
type SectionStore interface {
	UpsertSection(ctx context.Context, s Section) error
	BulkUpsertSections(ctx context.Context, sections []Section) (int, error)
	GetSection(ctx context.Context, code, section string) (Section, error)
	ListSections(ctx context.Context, code string) ([]Section, error)
	// ListIncomplete returns sections with neither content nor versions.
	ListIncomplete(ctx context.Context, code string) ([]Section, error)
	// ListMultiVersion returns sections flagged multi-version that have
	// no version list yet.
	ListMultiVersion(ctx context.Context, code string) ([]Section, error)
	// UpdateContent is a full overwrite of the content fields; it sets
	// has_content=true and is_multi_version=false.
	UpdateContent(ctx context.Context, u ContentUpdate) error
	// MarkMultiVersion flags the section without touching content.
	MarkMultiVersion(ctx context.Context, code, section, sourceURL string) error
	// SetVersions stores the resolved version list and sets
	// is_multi_version=true, has_content=false.
	SetVersions(ctx context.Context, code, section string, versions []Version) error
	SetSectionNotes(ctx context.Context, code, section, notes string) error
}

// CodeStore persists Code bookkeeping.
type CodeStore interface {
	UpsertCode(ctx context.Context, c Code) error
	GetCode(ctx context.Context, code string) (Code, error)
	UpdateCode(ctx context.Context, code string, u CodeUpdate) error
}

// CheckpointStore persists batch-level progress markers. At most one
// active checkpoint exists per (code, stage).
type CheckpointStore interface {
	GetActiveCheckpoint(ctx context.Context, code string, stage Stage) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// FailureStore persists the failure ledger.
type FailureStore interface {
	GetFailure(ctx context.Context, code, section string) (FailedSection, error)
	SaveFailure(ctx context.Context, f FailedSection) error
	// ListFailures filters by retry status when status is non-empty and
	// by failure type when types is non-empty.
	ListFailures(ctx context.Context, code string, status RetryStatus, types []FailureType) ([]FailedSection, error)
	SaveFailureReport(ctx context.Context, r FailureReport) error
	GetFailureReport(ctx context.Context, code string) (FailureReport, error)
}

// JobStore persists pipeline jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	UpdateJob(ctx context.Context, id string, u JobUpdate) error
	ListRecentJobs(ctx context.Context, limit int) ([]Job, error)
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	SectionStore
	CodeStore
	CheckpointStore
	FailureStore
	JobStore
}

// FailureRecorder records extraction failures into the ledger with
// upsert-and-increment semantics.
type FailureRecorder interface {
	Record(ctx context.Context, f FailedSection) error
}

// Archive persists raw page payloads for audit and re-parsing.
type Archive interface {
	Save(ctx context.Context, objectName string, data []byte) error
}

// Publisher emits pipeline lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}
