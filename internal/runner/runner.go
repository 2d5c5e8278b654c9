// Package runner drives a full ingestion job for one code through
// discovery, extraction, version resolution and reconciliation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/discover"
	"github.com/calegis/lawcrawl/internal/events"
	"github.com/calegis/lawcrawl/internal/pipeline"
	"github.com/calegis/lawcrawl/internal/reconcile"
	"github.com/calegis/lawcrawl/internal/versions"
)

// completionThreshold is the post-reconciliation completion rate, in
// percent, at which a job counts as successful.
const completionThreshold = 99.0

// Discoverer enumerates a code's sections (stage 1).
type Discoverer interface {
	Crawl(ctx context.Context, code string) (discover.Result, error)
}

// ExtractFunc runs the extraction engine over the work set with
// per-item progress reporting (stage 2).
type ExtractFunc func(ctx context.Context, code string, items []pipeline.WorkItem, onProgress func(processed, total int)) (pipeline.ExtractResult, error)

// VersionResolver resolves every flagged multi-version section (stage 3).
type VersionResolver interface {
	ResolveAll(ctx context.Context, code string) (versions.ResolveResult, error)
}

// Reconciler re-drives the engine over the gap set until the code
// converges or attempts run out.
type Reconciler interface {
	Reconcile(ctx context.Context, code string) (reconcile.Report, error)
}

// Options tune a single job run.
type Options struct {
	// SkipVersions leaves multi-version sections flagged but unresolved.
	SkipVersions bool
	// SkipReconcile stops after stage 3 without driving the gap set.
	SkipReconcile bool
}

// Runner owns job bookkeeping and runs the stages in order.
type Runner struct {
	store      pipeline.Store
	discoverer Discoverer
	extract    ExtractFunc
	resolver   VersionResolver
	reconciler Reconciler
	publisher  pipeline.Publisher
	clock      pipeline.Clock
	logger     *zap.Logger
}

// New builds a Runner. The resolver and reconciler may be nil, in which
// case their stages are skipped.
func New(
	store pipeline.Store,
	discoverer Discoverer,
	extract ExtractFunc,
	resolver VersionResolver,
	reconciler Reconciler,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		store:      store,
		discoverer: discoverer,
		extract:    extract,
		resolver:   resolver,
		reconciler: reconciler,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
	}
}

// NewJob registers a pending job for the code and returns it.
func (r *Runner) NewJob(ctx context.Context, code string) (pipeline.Job, error) {
	now := r.clock.Now()
	job := pipeline.Job{
		ID:        pipeline.NewJobID(code, now),
		Code:      code,
		Status:    pipeline.JobPending,
		CreatedAt: now,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return pipeline.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Run executes the full pipeline for an already-registered job. An
// interrupted run leaves the job cancelled and resumable; any other
// failure marks the job failed with the error recorded.
func (r *Runner) Run(ctx context.Context, job pipeline.Job, opts Options) error {
	log := r.logger.With(zap.String("job_id", job.ID), zap.String("code", job.Code))

	err := r.run(ctx, job, opts, log)
	switch {
	case errors.Is(err, pipeline.ErrInterrupted):
		log.Info("job interrupted")
		r.finishJob(ctx, job.ID, pipeline.JobCancelled, "interrupted: resume by starting a new job for the same code")
		return err
	case err != nil:
		log.Error("job failed", zap.Error(err))
		r.finishJob(ctx, job.ID, pipeline.JobFailed, err.Error())
		return err
	}
	return nil
}

func (r *Runner) run(ctx context.Context, job pipeline.Job, opts Options, log *zap.Logger) error {
	started := r.clock.Now()
	if err := r.updateJob(ctx, job.ID, pipeline.JobUpdate{
		Status:    ptr(pipeline.JobRunning),
		Stage:     ptr(pipeline.StageDiscovery),
		StartedAt: &started,
	}); err != nil {
		return err
	}

	// Stage 1: enumerate the work set.
	log.Info("starting discovery")
	disc, err := r.discoverer.Crawl(ctx, job.Code)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	r.publishStage(ctx, job, pipeline.StageDiscovery, disc.TotalSections, 0)

	if err := r.updateJob(ctx, job.ID, pipeline.JobUpdate{
		Stage:         ptr(pipeline.StageExtraction),
		TotalSections: &disc.TotalSections,
	}); err != nil {
		return err
	}

	// Stage 2: extract everything discovery found incomplete. A re-run
	// naturally narrows to the remaining gap set.
	items, err := r.gapSet(ctx, disc.Code)
	if err != nil {
		return err
	}
	log.Info("starting extraction", zap.Int("sections", len(items)))

	stage2Started := r.clock.Now()
	if err := r.store.UpdateCode(ctx, disc.Code, pipeline.CodeUpdate{Stage2Started: &stage2Started}); err != nil {
		return fmt.Errorf("mark stage 2 started: %w", err)
	}

	onProgress := func(processed, total int) {
		pct := 0.0
		if total > 0 {
			pct = float64(processed) / float64(total) * 100
		}
		_ = r.store.UpdateJob(ctx, job.ID, pipeline.JobUpdate{
			ProcessedSections: &processed,
			Progress:          &pct,
		})
	}

	result, err := r.extract(ctx, disc.Code, items, onProgress)
	if err != nil {
		return fmt.Errorf("extraction: %w", err)
	}

	stage2Finished := r.clock.Now()
	failed := len(result.Failed)
	if err := r.store.UpdateCode(ctx, disc.Code, pipeline.CodeUpdate{
		SingleVersionCount: &result.SingleVersionCount,
		MultiVersionCount:  &result.MultiVersionCount,
		ProcessedSections:  &result.TotalSections,
		Stage2Completed:    ptr(true),
		Stage2Finished:     &stage2Finished,
	}); err != nil {
		return fmt.Errorf("mark stage 2 finished: %w", err)
	}
	if err := r.updateJob(ctx, job.ID, pipeline.JobUpdate{FailedSections: &failed}); err != nil {
		return err
	}
	r.publishStage(ctx, job, pipeline.StageExtraction, result.TotalSections, failed)

	// Stage 3: resolve version lists for flagged sections.
	if !opts.SkipVersions && r.resolver != nil && result.MultiVersionCount > 0 {
		log.Info("starting version resolution", zap.Int("sections", result.MultiVersionCount))
		if err := r.updateJob(ctx, job.ID, pipeline.JobUpdate{Stage: ptr(pipeline.StageVersions)}); err != nil {
			return err
		}
		stage3Started := r.clock.Now()
		if err := r.store.UpdateCode(ctx, disc.Code, pipeline.CodeUpdate{Stage3Started: &stage3Started}); err != nil {
			return fmt.Errorf("mark stage 3 started: %w", err)
		}

		resolved, err := r.resolver.ResolveAll(ctx, disc.Code)
		if err != nil {
			return fmt.Errorf("version resolution: %w", err)
		}

		stage3Finished := r.clock.Now()
		if err := r.store.UpdateCode(ctx, disc.Code, pipeline.CodeUpdate{
			Stage3Completed: ptr(true),
			Stage3Finished:  &stage3Finished,
		}); err != nil {
			return fmt.Errorf("mark stage 3 finished: %w", err)
		}
		r.publishStage(ctx, job, pipeline.StageVersions, resolved.Resolved, len(resolved.Failed))
	}

	// Reconciliation: re-drive the gap set with decaying concurrency.
	finalRate := 100.0
	if !opts.SkipReconcile && r.reconciler != nil {
		if err := r.updateJob(ctx, job.ID, pipeline.JobUpdate{Stage: ptr(pipeline.StageReconciliation)}); err != nil {
			return err
		}
		report, err := r.reconciler.Reconcile(ctx, disc.Code)
		if err != nil {
			return fmt.Errorf("reconciliation: %w", err)
		}
		finalRate = report.Final.CompletionRate
		r.publishStage(ctx, job, pipeline.StageReconciliation, report.Final.Complete, report.Final.Missing)
	}

	if finalRate < completionThreshold {
		return fmt.Errorf("completion rate %.1f%% below %.0f%% threshold after reconciliation", finalRate, completionThreshold)
	}

	finished := r.clock.Now()
	if err := r.updateJob(ctx, job.ID, pipeline.JobUpdate{
		Status:     ptr(pipeline.JobCompleted),
		Progress:   ptr(100.0),
		FinishedAt: &finished,
	}); err != nil {
		return err
	}
	log.Info("job completed", zap.Float64("completion_rate", finalRate))
	return nil
}

// gapSet returns work items for every section still lacking both
// content and versions.
func (r *Runner) gapSet(ctx context.Context, code string) ([]pipeline.WorkItem, error) {
	incomplete, err := r.store.ListIncomplete(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("list incomplete sections: %w", err)
	}
	items := make([]pipeline.WorkItem, 0, len(incomplete))
	for _, s := range incomplete {
		items = append(items, pipeline.WorkItem{Code: s.Code, Section: s.Number, URL: s.URL})
	}
	return items, nil
}

func (r *Runner) updateJob(ctx context.Context, id string, u pipeline.JobUpdate) error {
	if err := r.store.UpdateJob(ctx, id, u); err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}

// finishJob writes the terminal status even when the run context is
// already canceled.
func (r *Runner) finishJob(ctx context.Context, id string, status pipeline.JobStatus, errText string) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	finished := r.clock.Now()
	err := r.store.UpdateJob(flushCtx, id, pipeline.JobUpdate{
		Status:     &status,
		ErrorText:  &errText,
		FinishedAt: &finished,
	})
	if err != nil {
		r.logger.Error("record terminal job status",
			zap.String("job_id", id),
			zap.Error(err))
	}
}

// publishStage emits a stage completion event. Publishing is best
// effort; failures are logged and never fail the job.
func (r *Runner) publishStage(ctx context.Context, job pipeline.Job, stage pipeline.Stage, sections, failed int) {
	if r.publisher == nil {
		return
	}
	_, err := r.publisher.Publish(ctx, events.StageEvent{
		JobID:      job.ID,
		Code:       job.Code,
		Stage:      string(stage),
		Status:     "completed",
		Sections:   sections,
		Failed:     failed,
		OccurredAt: r.clock.Now(),
	})
	if err != nil {
		r.logger.Warn("publish stage event",
			zap.String("job_id", job.ID),
			zap.String("stage", string(stage)),
			zap.Error(err))
	}
}

func ptr[T any](v T) *T { return &v }
