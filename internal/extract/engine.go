// Package extract implements the concurrent section extraction stage.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/metrics"
	"github.com/calegis/lawcrawl/internal/pipeline"
)

// Config controls batch sizing and worker concurrency.
type Config struct {
	Workers   int
	BatchSize int
}

// Engine fetches and persists section content in fixed-size batches.
// Within a batch, items run concurrently under a worker pool; batches
// themselves run sequentially so the checkpoint is always a clean
// prefix of the input.
type Engine struct {
	cfg        Config
	fetcher    pipeline.Fetcher
	classifier pipeline.Classifier
	sections   pipeline.SectionStore
	checkpoint pipeline.CheckpointStore
	recorder   pipeline.FailureRecorder
	archive    pipeline.Archive
	clock      pipeline.Clock
	logger     *zap.Logger

	// OnProgress, when set, is called after every processed item with
	// the running processed count and the total.
	OnProgress func(processed, total int)
}

// New builds an Engine. The archive is optional; everything else is
// required.
func New(
	cfg Config,
	fetcher pipeline.Fetcher,
	classifier pipeline.Classifier,
	sections pipeline.SectionStore,
	checkpoint pipeline.CheckpointStore,
	recorder pipeline.FailureRecorder,
	archive pipeline.Archive,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.Workers > 50 {
		cfg.Workers = 50
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Engine{
		cfg:        cfg,
		fetcher:    fetcher,
		classifier: classifier,
		sections:   sections,
		checkpoint: checkpoint,
		recorder:   recorder,
		archive:    archive,
		clock:      clock,
		logger:     logger,
	}
}

// outcome is the per-item result, assembled in input order.
type outcome struct {
	item         pipeline.WorkItem
	multiVersion bool
	contentLen   int
	err          error
}

// Run processes every item in input order and returns a summary. On
// interruption it flushes a paused checkpoint and returns
// pipeline.ErrInterrupted; the aborted batch is not recorded, so a
// resumed run replays it from the start.
func (e *Engine) Run(ctx context.Context, code string, items []pipeline.WorkItem) (pipeline.ExtractResult, error) {
	result := pipeline.ExtractResult{Code: code, TotalSections: len(items)}
	if len(items) == 0 {
		e.logger.Info("nothing to extract", zap.String("code", code))
		return result, nil
	}

	totalBatches := (len(items) + e.cfg.BatchSize - 1) / e.cfg.BatchSize
	cp, resumed, err := e.loadOrStartCheckpoint(ctx, code, len(items), totalBatches)
	if err != nil {
		return result, err
	}

	processed := cp.ProcessedSections
	if resumed {
		e.logger.Info("resuming from checkpoint",
			zap.String("code", code),
			zap.Int("current_batch", cp.CurrentBatch),
			zap.Int("total_batches", totalBatches))
	}

	for batch := 1; batch <= totalBatches; batch++ {
		if batch <= cp.CurrentBatch {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, e.pause(ctx, cp)
		}

		start := (batch - 1) * e.cfg.BatchSize
		end := min(start+e.cfg.BatchSize, len(items))
		outcomes := e.runBatch(ctx, items[start:end], batch)

		if ctx.Err() != nil {
			// The batch was cut short; none of its work is recorded.
			return result, e.pause(ctx, cp)
		}

		for _, o := range outcomes {
			processed++
			switch {
			case o.err != nil:
				result.Failed = append(result.Failed, o.item.Identifier())
				cp.FailedSections = append(cp.FailedSections, o.item.Identifier())
				metrics.ObserveSection(code, "failed")
			case o.multiVersion:
				result.MultiVersionCount++
				metrics.ObserveSection(code, "multi_version")
			default:
				result.SingleVersionCount++
				metrics.ObserveSection(code, "ok")
			}
			if e.OnProgress != nil {
				e.OnProgress(processed, len(items))
			}
		}

		cp.CurrentBatch = batch
		cp.ProcessedSections = processed
		if err := e.checkpoint.SaveCheckpoint(ctx, cp); err != nil {
			return result, fmt.Errorf("save checkpoint after batch %d: %w", batch, err)
		}
		metrics.ObserveBatch()
		e.logger.Info("batch complete",
			zap.String("code", code),
			zap.Int("batch", batch),
			zap.Int("total_batches", totalBatches),
			zap.Int("processed", processed),
			zap.Int("failed", len(result.Failed)))
	}

	now := e.clock.Now()
	cp.Status = pipeline.CheckpointCompleted
	cp.CompletedAt = &now
	if err := e.checkpoint.SaveCheckpoint(ctx, cp); err != nil {
		return result, fmt.Errorf("finalize checkpoint: %w", err)
	}
	return result, nil
}

func (e *Engine) loadOrStartCheckpoint(ctx context.Context, code string, total, totalBatches int) (pipeline.Checkpoint, bool, error) {
	cp, err := e.checkpoint.GetActiveCheckpoint(ctx, code, pipeline.StageExtraction)
	if err == nil && cp.BatchSize == e.cfg.BatchSize && cp.TotalSections == total {
		cp.Status = pipeline.CheckpointInProgress
		cp.Workers = e.cfg.Workers
		return cp, true, nil
	}
	if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return pipeline.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}

	// A checkpoint with different batch geometry cannot be mapped onto
	// the current input; start over.
	cp = pipeline.Checkpoint{
		Code:          code,
		Stage:         pipeline.StageExtraction,
		Status:        pipeline.CheckpointInProgress,
		TotalSections: total,
		TotalBatches:  totalBatches,
		BatchSize:     e.cfg.BatchSize,
		Workers:       e.cfg.Workers,
		StartedAt:     e.clock.Now(),
	}
	if err := e.checkpoint.SaveCheckpoint(ctx, cp); err != nil {
		return pipeline.Checkpoint{}, false, fmt.Errorf("save initial checkpoint: %w", err)
	}
	return cp, false, nil
}

func (e *Engine) pause(ctx context.Context, cp pipeline.Checkpoint) error {
	cp.Status = pipeline.CheckpointPaused
	// The checkpoint must outlive the canceled run context.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.checkpoint.SaveCheckpoint(saveCtx, cp); err != nil {
		return fmt.Errorf("save paused checkpoint: %w", err)
	}
	e.logger.Warn("extraction interrupted",
		zap.String("code", cp.Code),
		zap.Int("current_batch", cp.CurrentBatch))
	return pipeline.ErrInterrupted
}

// runBatch processes one batch under a bounded worker pool and returns
// outcomes in input order.
func (e *Engine) runBatch(ctx context.Context, items []pipeline.WorkItem, batch int) []outcome {
	outcomes := make([]outcome, len(items))
	sem := make(chan struct{}, e.cfg.Workers)
	done := make(chan int, len(items))

	for i, item := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			outcomes[i] = outcome{item: item, err: ctx.Err()}
			done <- i
			continue
		}
		go func(i int, item pipeline.WorkItem) {
			defer func() { <-sem; done <- i }()
			metrics.WorkerStarted()
			defer metrics.WorkerFinished()
			outcomes[i] = e.processOne(ctx, item, batch)
		}(i, item)
	}

	for range items {
		<-done
	}
	return outcomes
}

func (e *Engine) processOne(ctx context.Context, item pipeline.WorkItem, batch int) outcome {
	o := outcome{item: item}

	res, err := e.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		o.err = err
		// Items cut short by cancellation are replayed on resume, not
		// ledgered.
		if ctx.Err() == nil {
			e.recordFailure(ctx, item, err, pipeline.ClassifyError(err), batch, false)
		}
		return o
	}

	e.archiveRaw(ctx, item, res)

	if e.classifier.IsMultiVersion(res.SourceURL, res.Content) {
		if err := e.sections.MarkMultiVersion(ctx, item.Code, item.Section, res.SourceURL); err != nil {
			o.err = err
			e.recordFailure(ctx, item, err, pipeline.FailureAPIError, batch, true)
			return o
		}
		o.multiVersion = true
		return o
	}

	body, history := e.classifier.ExtractSection(res.Content, item.Section)
	if body == "" {
		o.err = fmt.Errorf("no content extracted for section %s", item.Section)
		e.recordFailure(ctx, item, o.err, pipeline.FailureEmptyContent, batch, false)
		return o
	}

	update := pipeline.ContentUpdate{
		Code:               item.Code,
		Section:            item.Section,
		Content:            body,
		RawContent:         res.Content,
		LegislativeHistory: history,
		SourceURL:          res.SourceURL,
	}
	if err := e.sections.UpdateContent(ctx, update); err != nil {
		o.err = err
		e.recordFailure(ctx, item, err, pipeline.FailureAPIError, batch, false)
		return o
	}
	o.contentLen = len(body)
	return o
}

// ExtractOne runs the full single-item path outside of batch
// processing. The ledger uses it to retry failed sections.
func (e *Engine) ExtractOne(ctx context.Context, item pipeline.WorkItem) (contentLen int, multiVersion bool, err error) {
	res, err := e.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		return 0, false, err
	}

	e.archiveRaw(ctx, item, res)

	if e.classifier.IsMultiVersion(res.SourceURL, res.Content) {
		if err := e.sections.MarkMultiVersion(ctx, item.Code, item.Section, res.SourceURL); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}

	body, history := e.classifier.ExtractSection(res.Content, item.Section)
	if body == "" {
		return 0, false, fmt.Errorf("no content extracted for section %s", item.Section)
	}

	update := pipeline.ContentUpdate{
		Code:               item.Code,
		Section:            item.Section,
		Content:            body,
		RawContent:         res.Content,
		LegislativeHistory: history,
		SourceURL:          res.SourceURL,
	}
	if err := e.sections.UpdateContent(ctx, update); err != nil {
		return 0, false, err
	}
	return len(body), false, nil
}

func (e *Engine) recordFailure(ctx context.Context, item pipeline.WorkItem, cause error, ftype pipeline.FailureType, batch int, multi bool) {
	f := pipeline.FailedSection{
		Code:           item.Code,
		Section:        item.Section,
		URL:            item.URL,
		FailureType:    ftype,
		ErrorText:      cause.Error(),
		Stage:          pipeline.StageExtraction,
		BatchNumber:    batch,
		IsMultiVersion: multi,
		RetryStatus:    pipeline.RetryPending,
		FailedAt:       e.clock.Now(),
	}
	if err := e.recorder.Record(ctx, f); err != nil {
		e.logger.Error("failed to record extraction failure",
			zap.String("section", item.Identifier()),
			zap.Error(err))
	}
}

func (e *Engine) archiveRaw(ctx context.Context, item pipeline.WorkItem, res pipeline.FetchResult) {
	if e.archive == nil || res.Content == "" {
		return
	}
	name := fmt.Sprintf("%s/%s.html", item.Code, item.Section)
	if err := e.archive.Save(ctx, name, []byte(res.Content)); err != nil {
		e.logger.Warn("failed to archive raw page",
			zap.String("section", item.Identifier()),
			zap.Error(err))
	}
}
