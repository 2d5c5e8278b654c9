// Package memory provides an in-process Store for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/calegis/lawcrawl/internal/pipeline"
)

// Store keeps all records in maps guarded by one mutex. It implements
// pipeline.Store with the same semantics as the Postgres store.
type Store struct {
	mu          sync.RWMutex
	sections    map[string]pipeline.Section
	codes       map[string]pipeline.Code
	checkpoints map[string]pipeline.Checkpoint
	failures    map[string]pipeline.FailedSection
	reports     map[string]pipeline.FailureReport
	jobs        map[string]pipeline.Job
	now         func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sections:    make(map[string]pipeline.Section),
		codes:       make(map[string]pipeline.Code),
		checkpoints: make(map[string]pipeline.Checkpoint),
		failures:    make(map[string]pipeline.FailedSection),
		reports:     make(map[string]pipeline.FailureReport),
		jobs:        make(map[string]pipeline.Job),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source.
func (s *Store) WithClock(clock pipeline.Clock) *Store {
	s.now = clock.Now
	return s
}

func sectionKey(code, section string) string {
	return strings.ToUpper(code) + ":" + section
}

func checkpointKey(code string, stage pipeline.Stage) string {
	return strings.ToUpper(code) + ":" + string(stage)
}

// UpsertSection inserts or replaces a section.
func (s *Store) UpsertSection(_ context.Context, sec pipeline.Section) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertSectionLocked(sec)
	return nil
}

// BulkUpsertSections upserts all sections and returns how many were new.
func (s *Store) BulkUpsertSections(_ context.Context, sections []pipeline.Section) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, sec := range sections {
		if _, ok := s.sections[sectionKey(sec.Code, sec.Number)]; !ok {
			inserted++
		}
		s.upsertSectionLocked(sec)
	}
	return inserted, nil
}

func (s *Store) upsertSectionLocked(sec pipeline.Section) {
	key := sectionKey(sec.Code, sec.Number)
	if existing, ok := s.sections[key]; ok {
		sec.CreatedAt = existing.CreatedAt
	} else if sec.CreatedAt.IsZero() {
		sec.CreatedAt = s.now()
	}
	sec.UpdatedAt = s.now()
	s.sections[key] = sec
}

// GetSection returns a section or pipeline.ErrNotFound.
func (s *Store) GetSection(_ context.Context, code, section string) (pipeline.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.sections[sectionKey(code, section)]
	if !ok {
		return pipeline.Section{}, pipeline.ErrNotFound
	}
	return sec, nil
}

// ListSections returns all sections of a code ordered by section number.
func (s *Store) ListSections(_ context.Context, code string) ([]pipeline.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(code, func(pipeline.Section) bool { return true }), nil
}

// ListIncomplete returns sections that have neither content nor versions.
func (s *Store) ListIncomplete(_ context.Context, code string) ([]pipeline.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(code, func(sec pipeline.Section) bool {
		return !sec.Complete()
	}), nil
}

// ListMultiVersion returns sections flagged multi-version whose version
// list has not been resolved yet.
func (s *Store) ListMultiVersion(_ context.Context, code string) ([]pipeline.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(code, func(sec pipeline.Section) bool {
		return sec.IsMultiVersion && len(sec.Versions) == 0
	}), nil
}

func (s *Store) listLocked(code string, keep func(pipeline.Section) bool) []pipeline.Section {
	var out []pipeline.Section
	upper := strings.ToUpper(code)
	for _, sec := range s.sections {
		if strings.ToUpper(sec.Code) == upper && keep(sec) {
			out = append(out, sec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// UpdateContent overwrites a section's content fields.
func (s *Store) UpdateContent(_ context.Context, u pipeline.ContentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sectionKey(u.Code, u.Section)
	sec, ok := s.sections[key]
	if !ok {
		return pipeline.ErrNotFound
	}
	sec.Content = u.Content
	sec.RawContent = u.RawContent
	sec.LegislativeHistory = u.LegislativeHistory
	sec.ContentLength = len(u.Content)
	sec.HasContent = true
	sec.IsMultiVersion = false
	if u.SourceURL != "" {
		sec.URL = u.SourceURL
	}
	sec.UpdatedAt = s.now()
	s.sections[key] = sec
	return nil
}

// MarkMultiVersion flags a section without touching its content.
func (s *Store) MarkMultiVersion(_ context.Context, code, section, sourceURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sectionKey(code, section)
	sec, ok := s.sections[key]
	if !ok {
		return pipeline.ErrNotFound
	}
	sec.IsMultiVersion = true
	if sourceURL != "" {
		sec.URL = sourceURL
	}
	sec.UpdatedAt = s.now()
	s.sections[key] = sec
	return nil
}

// SetVersions stores the resolved version list.
func (s *Store) SetVersions(_ context.Context, code, section string, versions []pipeline.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sectionKey(code, section)
	sec, ok := s.sections[key]
	if !ok {
		return pipeline.ErrNotFound
	}
	sec.Versions = append([]pipeline.Version(nil), versions...)
	sec.IsMultiVersion = true
	sec.HasContent = false
	sec.UpdatedAt = s.now()
	s.sections[key] = sec
	return nil
}

// SetSectionNotes records free-form notes on a section.
func (s *Store) SetSectionNotes(_ context.Context, code, section, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sectionKey(code, section)
	sec, ok := s.sections[key]
	if !ok {
		return pipeline.ErrNotFound
	}
	sec.Notes = notes
	sec.UpdatedAt = s.now()
	s.sections[key] = sec
	return nil
}

// UpsertCode inserts or replaces a code record.
func (s *Store) UpsertCode(_ context.Context, c pipeline.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(c.Code)
	if existing, ok := s.codes[key]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.LastUpdated = s.now()
	s.codes[key] = c
	return nil
}

// GetCode returns a code record or pipeline.ErrNotFound.
func (s *Store) GetCode(_ context.Context, code string) (pipeline.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[strings.ToUpper(code)]
	if !ok {
		return pipeline.Code{}, pipeline.ErrNotFound
	}
	return c, nil
}

// UpdateCode applies a partial update to a code record.
func (s *Store) UpdateCode(_ context.Context, code string, u pipeline.CodeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(code)
	c, ok := s.codes[key]
	if !ok {
		return pipeline.ErrNotFound
	}
	applyCodeUpdate(&c, u)
	c.LastUpdated = s.now()
	s.codes[key] = c
	return nil
}

func applyCodeUpdate(c *pipeline.Code, u pipeline.CodeUpdate) {
	if u.FullName != nil {
		c.FullName = *u.FullName
	}
	if u.TotalSections != nil {
		c.TotalSections = *u.TotalSections
	}
	if u.SingleVersionCount != nil {
		c.SingleVersionCount = *u.SingleVersionCount
	}
	if u.MultiVersionCount != nil {
		c.MultiVersionCount = *u.MultiVersionCount
	}
	if u.ProcessedSections != nil {
		c.ProcessedSections = *u.ProcessedSections
	}
	if u.Stage1Completed != nil {
		c.Stage1Completed = *u.Stage1Completed
	}
	if u.Stage2Completed != nil {
		c.Stage2Completed = *u.Stage2Completed
	}
	if u.Stage3Completed != nil {
		c.Stage3Completed = *u.Stage3Completed
	}
	if u.Stage1Started != nil {
		c.Stage1Started = u.Stage1Started
	}
	if u.Stage1Finished != nil {
		c.Stage1Finished = u.Stage1Finished
	}
	if u.Stage2Started != nil {
		c.Stage2Started = u.Stage2Started
	}
	if u.Stage2Finished != nil {
		c.Stage2Finished = u.Stage2Finished
	}
	if u.Stage3Started != nil {
		c.Stage3Started = u.Stage3Started
	}
	if u.Stage3Finished != nil {
		c.Stage3Finished = u.Stage3Finished
	}
}

// GetActiveCheckpoint returns the resumable checkpoint for (code, stage)
// or pipeline.ErrNotFound when none is active.
func (s *Store) GetActiveCheckpoint(_ context.Context, code string, stage pipeline.Stage) (pipeline.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointKey(code, stage)]
	if !ok || !cp.Status.Active() {
		return pipeline.Checkpoint{}, pipeline.ErrNotFound
	}
	return cp, nil
}

// SaveCheckpoint replaces the checkpoint for its (code, stage).
func (s *Store) SaveCheckpoint(_ context.Context, cp pipeline.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.LastUpdated = s.now()
	s.checkpoints[checkpointKey(cp.Code, cp.Stage)] = cp
	return nil
}

// GetFailure returns a ledger entry or pipeline.ErrNotFound.
func (s *Store) GetFailure(_ context.Context, code, section string) (pipeline.FailedSection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.failures[sectionKey(code, section)]
	if !ok {
		return pipeline.FailedSection{}, pipeline.ErrNotFound
	}
	return f, nil
}

// SaveFailure inserts or replaces a ledger entry.
func (s *Store) SaveFailure(_ context.Context, f pipeline.FailedSection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[sectionKey(f.Code, f.Section)] = f
	return nil
}

// ListFailures returns ledger entries for a code, filtered by retry
// status and failure types when given, ordered by section number.
func (s *Store) ListFailures(_ context.Context, code string, status pipeline.RetryStatus, types []pipeline.FailureType) ([]pipeline.FailedSection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	upper := strings.ToUpper(code)
	var out []pipeline.FailedSection
	for _, f := range s.failures {
		if strings.ToUpper(f.Code) != upper {
			continue
		}
		if status != "" && f.RetryStatus != status {
			continue
		}
		if len(types) > 0 && !containsType(types, f.FailureType) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Section < out[j].Section })
	return out, nil
}

func containsType(types []pipeline.FailureType, t pipeline.FailureType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// SaveFailureReport stores the latest per-code aggregate.
func (s *Store) SaveFailureReport(_ context.Context, r pipeline.FailureReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[strings.ToUpper(r.Code)] = r
	return nil
}

// GetFailureReport returns the stored aggregate, if any.
func (s *Store) GetFailureReport(_ context.Context, code string) (pipeline.FailureReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[strings.ToUpper(code)]
	if !ok {
		return pipeline.FailureReport{}, pipeline.ErrNotFound
	}
	return r, nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, j pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	j.LastUpdated = s.now()
	s.jobs[j.ID] = j
	return nil
}

// GetJob returns a job or pipeline.ErrNotFound.
func (s *Store) GetJob(_ context.Context, id string) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return j, nil
}

// UpdateJob applies a partial update to a job.
func (s *Store) UpdateJob(_ context.Context, id string, u pipeline.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	applyJobUpdate(&j, u)
	j.LastUpdated = s.now()
	s.jobs[id] = j
	return nil
}

func applyJobUpdate(j *pipeline.Job, u pipeline.JobUpdate) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Stage != nil {
		j.Stage = *u.Stage
	}
	if u.TotalSections != nil {
		j.TotalSections = *u.TotalSections
	}
	if u.ProcessedSections != nil {
		j.ProcessedSections = *u.ProcessedSections
	}
	if u.FailedSections != nil {
		j.FailedSections = *u.FailedSections
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.ErrorText != nil {
		j.ErrorText = *u.ErrorText
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		j.FinishedAt = u.FinishedAt
	}
}

// ListRecentJobs returns jobs ordered newest first.
func (s *Store) ListRecentJobs(_ context.Context, limit int) ([]pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
