package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/pipeline"
	"github.com/calegis/lawcrawl/internal/storage/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type fakeReporter struct{ calls int }

func (r *fakeReporter) Report(context.Context, string) (pipeline.FailureReport, error) {
	r.calls++
	return pipeline.FailureReport{}, nil
}

// pass records runner invocations and optionally completes sections.
type pass struct {
	workers int
	items   int
}

func seedCode(t *testing.T, store *memory.Store, total, complete int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < total; i++ {
		sec := pipeline.Section{Code: "FAM", Number: fmt.Sprintf("%03d", i), URL: "u"}
		if i < complete {
			sec.HasContent = true
			sec.Content = "text"
		}
		require.NoError(t, store.UpsertSection(ctx, sec))
	}
}

func newController(store *memory.Store, runner ExtractRunner, reporter Reporter) *Controller {
	return New(
		Config{MaxAttempts: 2, InitialWorkers: 10, MinWorkers: 5},
		store, runner, reporter,
		fixedClock{at: time.Now().UTC()}, zap.NewNop(),
	)
}

func TestReconcileAlreadyComplete(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedCode(t, store, 10, 10)

	var passes []pass
	runner := func(_ context.Context, _ string, items []pipeline.WorkItem, workers int) (pipeline.ExtractResult, error) {
		passes = append(passes, pass{workers: workers, items: len(items)})
		return pipeline.ExtractResult{}, nil
	}

	report, err := newController(store, runner, nil).Reconcile(context.Background(), "FAM")
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Empty(t, report.Attempts)
	require.Empty(t, passes)
	require.InDelta(t, 100.0, report.Initial.CompletionRate, 0.001)
}

func TestReconcileConvergesOnFirstPass(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedCode(t, store, 20, 15)

	runner := func(ctx context.Context, _ string, items []pipeline.WorkItem, workers int) (pipeline.ExtractResult, error) {
		for _, item := range items {
			err := store.UpdateContent(ctx, pipeline.ContentUpdate{
				Code: item.Code, Section: item.Section, Content: "recovered",
			})
			require.NoError(t, err)
		}
		return pipeline.ExtractResult{SingleVersionCount: len(items)}, nil
	}

	reporter := &fakeReporter{}
	report, err := newController(store, runner, reporter).Reconcile(context.Background(), "FAM")
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Len(t, report.Attempts, 1)
	require.Equal(t, 10, report.Attempts[0].Workers)
	require.Equal(t, 5, report.Attempts[0].Retried)
	require.InDelta(t, 100.0, report.Final.CompletionRate, 0.001)
	require.Zero(t, reporter.calls)
}

func TestReconcileHalvesWorkersAndReports(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedCode(t, store, 20, 10)

	var passes []pass
	runner := func(_ context.Context, _ string, items []pipeline.WorkItem, workers int) (pipeline.ExtractResult, error) {
		passes = append(passes, pass{workers: workers, items: len(items)})
		// Nothing recovers; the code never converges.
		return pipeline.ExtractResult{}, nil
	}

	reporter := &fakeReporter{}
	report, err := newController(store, runner, reporter).Reconcile(context.Background(), "FAM")
	require.NoError(t, err)
	require.False(t, report.Success)
	require.Len(t, report.Attempts, 2)

	require.Equal(t, []pass{{workers: 10, items: 10}, {workers: 5, items: 10}}, passes)
	require.Equal(t, 1, reporter.calls)
	require.InDelta(t, 50.0, report.Final.CompletionRate, 0.001)
}

func TestReconcileWorkerFloorHolds(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedCode(t, store, 4, 0)

	var workerCounts []int
	runner := func(_ context.Context, _ string, _ []pipeline.WorkItem, workers int) (pipeline.ExtractResult, error) {
		workerCounts = append(workerCounts, workers)
		return pipeline.ExtractResult{}, nil
	}

	controller := New(
		Config{MaxAttempts: 4, InitialWorkers: 12, MinWorkers: 5},
		store, runner, nil,
		fixedClock{at: time.Now().UTC()}, zap.NewNop(),
	)
	_, err := controller.Reconcile(context.Background(), "FAM")
	require.NoError(t, err)
	require.Equal(t, []int{12, 6, 5, 5}, workerCounts)
}

func TestReconcileExcludesAbandonedFromDenominator(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedCode(t, store, 10, 9)
	// The one incomplete section is abandoned (e.g. repealed).
	require.NoError(t, store.SaveFailure(context.Background(), pipeline.FailedSection{
		Code: "FAM", Section: "009",
		FailureType: pipeline.FailureRepealed,
		RetryStatus: pipeline.RetryAbandoned,
	}))

	runner := func(_ context.Context, _ string, items []pipeline.WorkItem, _ int) (pipeline.ExtractResult, error) {
		require.Empty(t, items)
		return pipeline.ExtractResult{}, nil
	}

	report, err := newController(store, runner, nil).Reconcile(context.Background(), "FAM")
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Equal(t, 9, report.Initial.Total)
	require.Equal(t, 1, report.Initial.Abandoned)
	require.InDelta(t, 100.0, report.Initial.CompletionRate, 0.001)
}

// steppingClock advances a fixed step per Now call so pass durations
// come out nonzero and deterministic.
type steppingClock struct {
	at   time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.at = c.at.Add(c.step)
	return c.at
}

func TestReconcileAttemptRecordsOutcome(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedCode(t, store, 20, 15)

	runner := func(ctx context.Context, _ string, items []pipeline.WorkItem, _ int) (pipeline.ExtractResult, error) {
		n := min(3, len(items))
		for _, item := range items[:n] {
			require.NoError(t, store.UpdateContent(ctx, pipeline.ContentUpdate{
				Code: item.Code, Section: item.Section, Content: "recovered",
			}))
		}
		result := pipeline.ExtractResult{SingleVersionCount: n}
		for _, item := range items[n:] {
			result.Failed = append(result.Failed, item.Identifier())
		}
		return result, nil
	}

	controller := New(
		Config{MaxAttempts: 2, InitialWorkers: 10, MinWorkers: 5},
		store, runner, &fakeReporter{},
		&steppingClock{at: time.Now().UTC(), step: time.Second}, zap.NewNop(),
	)
	report, err := controller.Reconcile(context.Background(), "FAM")
	require.NoError(t, err)
	require.Len(t, report.Attempts, 2)

	first := report.Attempts[0]
	require.Equal(t, 5, first.Retried)
	require.Equal(t, 3, first.Succeeded)
	require.Equal(t, 2, first.Failed)
	require.Greater(t, first.Duration, time.Duration(0))

	second := report.Attempts[1]
	require.Equal(t, 2, second.Retried)
	require.Equal(t, 2, second.Succeeded)
	require.Zero(t, second.Failed)
	require.True(t, report.Success)
}

func TestReconcileRateIsMonotonic(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedCode(t, store, 10, 4)

	recovered := 0
	runner := func(ctx context.Context, _ string, items []pipeline.WorkItem, _ int) (pipeline.ExtractResult, error) {
		// Recover one section per pass.
		if len(items) > 0 {
			require.NoError(t, store.UpdateContent(ctx, pipeline.ContentUpdate{
				Code: items[0].Code, Section: items[0].Section, Content: "recovered",
			}))
			recovered++
		}
		return pipeline.ExtractResult{}, nil
	}

	controller := New(
		Config{MaxAttempts: 3, InitialWorkers: 8, MinWorkers: 2},
		store, runner, &fakeReporter{},
		fixedClock{at: time.Now().UTC()}, zap.NewNop(),
	)
	report, err := controller.Reconcile(context.Background(), "FAM")
	require.NoError(t, err)
	require.Equal(t, 3, recovered)

	last := report.Initial.CompletionRate
	for _, a := range report.Attempts {
		require.GreaterOrEqual(t, a.CompletionRate, last)
		last = a.CompletionRate
	}
}
