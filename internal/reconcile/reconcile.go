// Package reconcile closes the gap between discovered and extracted
// sections after the main extraction stage.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/metrics"
	"github.com/calegis/lawcrawl/internal/pipeline"
)

// ExtractRunner re-runs extraction over the given items with a bounded
// worker count.
type ExtractRunner func(ctx context.Context, code string, items []pipeline.WorkItem, workers int) (pipeline.ExtractResult, error)

// Reporter writes the final failure aggregate when a code will not
// converge.
type Reporter interface {
	Report(ctx context.Context, code string) (pipeline.FailureReport, error)
}

// Config bounds the reconciliation loop.
type Config struct {
	MaxAttempts    int
	InitialWorkers int
	MinWorkers     int
}

// Controller drives adaptive retry passes: each pass re-extracts the
// missing sections, then halves the worker count for the next pass on
// the assumption that failures under load are rate-limit pressure.
type Controller struct {
	cfg      Config
	store    pipeline.Store
	runner   ExtractRunner
	reporter Reporter
	clock    pipeline.Clock
	logger   *zap.Logger
}

// New builds a Controller.
func New(cfg Config, store pipeline.Store, runner ExtractRunner, reporter Reporter, clock pipeline.Clock, logger *zap.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.InitialWorkers <= 0 {
		cfg.InitialWorkers = 10
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 5
	}
	return &Controller{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		reporter: reporter,
		clock:    clock,
		logger:   logger,
	}
}

// Status is one completeness assessment. Abandoned sections are out of
// the denominator: they are known-unrecoverable and would otherwise cap
// the rate below 100 forever.
type Status struct {
	Total          int     `json:"total"`
	Complete       int     `json:"complete"`
	Missing        int     `json:"missing"`
	Abandoned      int     `json:"abandoned"`
	CompletionRate float64 `json:"completion_rate"`
}

// Attempt logs one retry pass.
type Attempt struct {
	Number         int           `json:"attempt"`
	Workers        int           `json:"workers"`
	Retried        int           `json:"retried"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Duration       time.Duration `json:"duration"`
	CompletionRate float64       `json:"completion_rate"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Code     string    `json:"code"`
	Initial  Status    `json:"initial_status"`
	Final    Status    `json:"final_status"`
	Attempts []Attempt `json:"attempts"`
	Success  bool      `json:"success"`
}

// Reconcile assesses a code and retries its missing sections until it
// converges or attempts run out. It never touches stage bookkeeping;
// that stays with the stage drivers.
func (c *Controller) Reconcile(ctx context.Context, code string) (Report, error) {
	initial, missing, err := c.assess(ctx, code)
	if err != nil {
		return Report{Code: code}, err
	}
	report := Report{Code: code, Initial: initial, Final: initial}
	c.logger.Info("reconciliation assessment",
		zap.String("code", code),
		zap.Int("total", initial.Total),
		zap.Int("missing", initial.Missing),
		zap.Float64("completion_rate", initial.CompletionRate))

	if initial.CompletionRate >= 100.0 {
		report.Success = true
		return report, nil
	}

	workers := c.cfg.InitialWorkers
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return report, pipeline.ErrInterrupted
		}

		c.logger.Info("reconciliation attempt",
			zap.String("code", code),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Int("workers", workers),
			zap.Int("missing", len(missing)))

		passStart := c.clock.Now()
		result, err := c.runner(ctx, code, missing, workers)
		if err != nil {
			return report, fmt.Errorf("reconcile pass %d: %w", attempt, err)
		}
		metrics.ObserveReconcileAttempt()

		status, stillMissing, err := c.assess(ctx, code)
		if err != nil {
			return report, err
		}
		report.Final = status
		report.Attempts = append(report.Attempts, Attempt{
			Number:         attempt,
			Workers:        workers,
			Retried:        len(missing),
			Succeeded:      result.SingleVersionCount + result.MultiVersionCount,
			Failed:         len(result.Failed),
			Duration:       c.clock.Now().Sub(passStart),
			CompletionRate: status.CompletionRate,
		})

		if status.CompletionRate >= 100.0 {
			break
		}
		missing = stillMissing
		workers = max(c.cfg.MinWorkers, workers/2)
	}

	report.Success = report.Final.CompletionRate >= 100.0
	if !report.Success && c.reporter != nil {
		if _, err := c.reporter.Report(ctx, code); err != nil {
			c.logger.Error("failed to write failure report",
				zap.String("code", code),
				zap.Error(err))
		}
	}
	return report, nil
}

// assess computes completeness and the retryable missing work items.
func (c *Controller) assess(ctx context.Context, code string) (Status, []pipeline.WorkItem, error) {
	sections, err := c.store.ListSections(ctx, code)
	if err != nil {
		return Status{}, nil, fmt.Errorf("list sections: %w", err)
	}
	abandonedList, err := c.store.ListFailures(ctx, code, pipeline.RetryAbandoned, nil)
	if err != nil {
		return Status{}, nil, fmt.Errorf("list abandoned failures: %w", err)
	}
	abandoned := make(map[string]bool, len(abandonedList))
	for _, f := range abandonedList {
		abandoned[f.Section] = true
	}

	var status Status
	var missing []pipeline.WorkItem
	for _, sec := range sections {
		if abandoned[sec.Number] {
			status.Abandoned++
			continue
		}
		status.Total++
		if sec.Complete() {
			status.Complete++
			continue
		}
		status.Missing++
		missing = append(missing, pipeline.WorkItem{Code: sec.Code, Section: sec.Number, URL: sec.URL})
	}
	if status.Total > 0 {
		status.CompletionRate = float64(status.Complete) / float64(status.Total) * 100
	} else {
		status.CompletionRate = 100.0
	}
	return status, missing, nil
}
