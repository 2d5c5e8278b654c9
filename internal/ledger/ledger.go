// Package ledger tracks failed sections and drives their retries.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/metrics"
	"github.com/calegis/lawcrawl/internal/pipeline"
)

// Extractor re-runs the single-section extraction path.
type Extractor interface {
	ExtractOne(ctx context.Context, item pipeline.WorkItem) (contentLen int, multiVersion bool, err error)
}

// Resolver re-runs version resolution for one multi-version section.
type Resolver interface {
	ResolveOne(ctx context.Context, sec pipeline.Section) (pipeline.VersionResult, error)
}

// Ledger owns the failed-section records. It is the only writer of
// retry status transitions.
type Ledger struct {
	store     pipeline.Store
	extractor Extractor
	resolver  Resolver
	clock     pipeline.Clock
	logger    *zap.Logger
}

// New builds a Ledger. The resolver may be nil; multi-version retries
// then fail with an explanatory error instead of resolving.
func New(store pipeline.Store, extractor Extractor, resolver Resolver, clock pipeline.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:     store,
		extractor: extractor,
		resolver:  resolver,
		clock:     clock,
		logger:    logger,
	}
}

// Record upserts a failure. A fresh failure of a previously resolved
// section reopens it as pending; existing attempt history is kept.
func (l *Ledger) Record(ctx context.Context, f pipeline.FailedSection) error {
	existing, err := l.store.GetFailure(ctx, f.Code, f.Section)
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		if f.RetryStatus == "" {
			f.RetryStatus = pipeline.RetryPending
		}
		if f.FailedAt.IsZero() {
			f.FailedAt = l.clock.Now()
		}
	case err != nil:
		return fmt.Errorf("load failure %s: %w", f.Identifier(), err)
	default:
		f.Attempts = existing.Attempts
		f.RetryCount = existing.RetryCount
		f.LastRetryAt = existing.LastRetryAt
		f.FailedAt = existing.FailedAt
		f.RetryStatus = pipeline.RetryPending
		f.ResolvedAt = nil
		if f.Notes == "" {
			f.Notes = existing.Notes
		}
	}

	if err := l.store.SaveFailure(ctx, f); err != nil {
		return fmt.Errorf("save failure %s: %w", f.Identifier(), err)
	}
	l.logger.Debug("failure recorded",
		zap.String("section", f.Identifier()),
		zap.String("type", string(f.FailureType)))
	return nil
}

// RetryOutcome is the result of retrying one failed section.
type RetryOutcome struct {
	Success       bool   `json:"success"`
	Cached        bool   `json:"cached,omitempty"`
	ContentLength int    `json:"content_length,omitempty"`
	VersionCount  int    `json:"version_count,omitempty"`
	ErrorText     string `json:"error,omitempty"`
}

// RetryOne re-runs extraction for one failed section. Force retries
// even without a ledger entry or after success.
func (l *Ledger) RetryOne(ctx context.Context, code, section string, force bool) (RetryOutcome, error) {
	failure, err := l.store.GetFailure(ctx, code, section)
	hasRecord := err == nil
	if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return RetryOutcome{}, fmt.Errorf("load failure %s:%s: %w", code, section, err)
	}
	if !hasRecord && !force {
		return RetryOutcome{}, fmt.Errorf("no failure record for %s:%s", code, section)
	}
	if hasRecord && failure.RetryStatus.Terminal() && !force {
		if failure.RetryStatus == pipeline.RetrySucceeded {
			return RetryOutcome{Success: true, Cached: true}, nil
		}
		return RetryOutcome{}, fmt.Errorf("%s:%s is abandoned; use force to retry", code, section)
	}

	sec, err := l.store.GetSection(ctx, code, section)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("section %s:%s not in store: %w", code, section, err)
	}

	if hasRecord {
		failure.RetryStatus = pipeline.RetryRetrying
		if err := l.store.SaveFailure(ctx, failure); err != nil {
			return RetryOutcome{}, fmt.Errorf("mark retrying: %w", err)
		}
	}

	outcome := l.attempt(ctx, sec)

	if hasRecord {
		if err := l.finishAttempt(ctx, failure, outcome); err != nil {
			return outcome, err
		}
	}

	if outcome.Success {
		metrics.ObserveLedgerRetry("succeeded")
		l.logger.Info("retry succeeded", zap.String("section", sec.Identifier()))
	} else {
		metrics.ObserveLedgerRetry("failed")
		l.logger.Warn("retry failed",
			zap.String("section", sec.Identifier()),
			zap.String("error", outcome.ErrorText))
	}
	return outcome, nil
}

func (l *Ledger) attempt(ctx context.Context, sec pipeline.Section) RetryOutcome {
	if sec.IsMultiVersion {
		if l.resolver == nil {
			return RetryOutcome{ErrorText: "no version resolver configured"}
		}
		res, err := l.resolver.ResolveOne(ctx, sec)
		if err != nil {
			return RetryOutcome{ErrorText: err.Error()}
		}
		return RetryOutcome{Success: true, VersionCount: len(res.Versions)}
	}

	item := pipeline.WorkItem{Code: sec.Code, Section: sec.Number, URL: sec.URL}
	contentLen, multi, err := l.extractor.ExtractOne(ctx, item)
	if err != nil {
		return RetryOutcome{ErrorText: err.Error()}
	}
	if multi {
		// The retry discovered a version selector; resolution happens
		// in the versions stage or a follow-up retry.
		if l.resolver != nil {
			sec.IsMultiVersion = true
			if res, rerr := l.resolver.ResolveOne(ctx, sec); rerr == nil {
				return RetryOutcome{Success: true, VersionCount: len(res.Versions)}
			}
		}
		return RetryOutcome{Success: true}
	}
	return RetryOutcome{Success: true, ContentLength: contentLen}
}

func (l *Ledger) finishAttempt(ctx context.Context, failure pipeline.FailedSection, outcome RetryOutcome) error {
	now := l.clock.Now()
	failure.Attempts = append(failure.Attempts, pipeline.RetryAttempt{
		At:            now,
		Success:       outcome.Success,
		ErrorText:     outcome.ErrorText,
		ContentLength: outcome.ContentLength,
		VersionCount:  outcome.VersionCount,
	})
	failure.RetryCount++
	failure.LastRetryAt = &now
	if outcome.Success {
		failure.RetryStatus = pipeline.RetrySucceeded
		failure.ResolvedAt = &now
	} else {
		failure.RetryStatus = pipeline.RetryFailed
	}
	if err := l.store.SaveFailure(ctx, failure); err != nil {
		return fmt.Errorf("save retry result %s: %w", failure.Identifier(), err)
	}
	return nil
}

// RetrySummary aggregates one RetryAll pass.
type RetrySummary struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// RetryAll retries pending failures for a code, optionally filtered by
// failure type and capped at limit.
func (l *Ledger) RetryAll(ctx context.Context, code string, limit int, types []pipeline.FailureType) (RetrySummary, error) {
	failures, err := l.store.ListFailures(ctx, code, pipeline.RetryPending, types)
	if err != nil {
		return RetrySummary{}, fmt.Errorf("list pending failures: %w", err)
	}
	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}

	summary := RetrySummary{Total: len(failures), Errors: map[string]string{}}
	l.logger.Info("retrying failed sections",
		zap.String("code", code),
		zap.Int("count", len(failures)))

	for _, f := range failures {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("retry pass canceled: %w", err)
		}
		outcome, err := l.RetryOne(ctx, f.Code, f.Section, false)
		if err != nil {
			summary.Failed++
			summary.Errors[f.Section] = err.Error()
			continue
		}
		if outcome.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
			summary.Errors[f.Section] = outcome.ErrorText
		}
	}
	return summary, nil
}

// Abandon marks a section as unretrievable. The reason lands both on
// the ledger entry and the section record.
func (l *Ledger) Abandon(ctx context.Context, code, section, reason string) error {
	failure, err := l.store.GetFailure(ctx, code, section)
	if err != nil {
		return fmt.Errorf("load failure %s:%s: %w", code, section, err)
	}
	now := l.clock.Now()
	failure.RetryStatus = pipeline.RetryAbandoned
	failure.Notes = reason
	failure.ResolvedAt = &now
	if err := l.store.SaveFailure(ctx, failure); err != nil {
		return fmt.Errorf("save abandoned failure: %w", err)
	}
	if err := l.store.SetSectionNotes(ctx, code, section, reason); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return fmt.Errorf("note section: %w", err)
	}
	l.logger.Info("section abandoned",
		zap.String("section", failure.Identifier()),
		zap.String("reason", reason))
	return nil
}

// Report computes the per-code failure aggregate and persists it.
func (l *Ledger) Report(ctx context.Context, code string) (pipeline.FailureReport, error) {
	failures, err := l.store.ListFailures(ctx, code, "", nil)
	if err != nil {
		return pipeline.FailureReport{}, fmt.Errorf("list failures: %w", err)
	}
	sections, err := l.store.ListSections(ctx, code)
	if err != nil {
		return pipeline.FailureReport{}, fmt.Errorf("list sections: %w", err)
	}

	report := pipeline.FailureReport{
		Code:            code,
		GeneratedAt:     l.clock.Now(),
		TotalSections:   len(sections),
		FailedSections:  len(failures),
		FailuresByType:  map[pipeline.FailureType]int{},
		FailuresByStage: map[pipeline.Stage]int{},
	}
	for _, sec := range sections {
		if sec.Complete() {
			report.SuccessfulSections++
		}
	}
	if report.TotalSections > 0 {
		report.CompletionRate = float64(report.SuccessfulSections) / float64(report.TotalSections) * 100
	}
	for _, f := range failures {
		report.FailuresByType[f.FailureType]++
		report.FailuresByStage[f.Stage]++
		switch f.RetryStatus {
		case pipeline.RetryPending:
			report.PendingRetry++
		case pipeline.RetrySucceeded:
			report.RetrySucceeded++
		case pipeline.RetryFailed:
			report.RetryFailed++
		case pipeline.RetryAbandoned:
			report.Abandoned++
		}
	}

	if err := l.store.SaveFailureReport(ctx, report); err != nil {
		return pipeline.FailureReport{}, fmt.Errorf("save failure report: %w", err)
	}
	return report, nil
}
