package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/discover"
	"github.com/calegis/lawcrawl/internal/events"
	"github.com/calegis/lawcrawl/internal/pipeline"
	"github.com/calegis/lawcrawl/internal/reconcile"
	"github.com/calegis/lawcrawl/internal/storage/memory"
	"github.com/calegis/lawcrawl/internal/versions"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

// fakeDiscoverer seeds n skeleton sections into the store.
type fakeDiscoverer struct {
	store pipeline.Store
	n     int
	err   error
}

func (d *fakeDiscoverer) Crawl(ctx context.Context, code string) (discover.Result, error) {
	if d.err != nil {
		return discover.Result{}, d.err
	}
	url := "https://example.gov/codedheadings.xhtml?tocCode=" + code
	if err := d.store.UpsertCode(ctx, pipeline.Code{Code: code, URL: url}); err != nil {
		return discover.Result{}, err
	}
	sections := make([]pipeline.Section, 0, d.n)
	for i := 1; i <= d.n; i++ {
		num := fmt.Sprintf("%d", i)
		sections = append(sections, pipeline.Section{
			Code:   code,
			Number: num,
			URL:    "https://example.gov/faces/codes_displaySection.xhtml?lawCode=" + code + "&sectionNum=" + num,
		})
	}
	inserted, err := d.store.BulkUpsertSections(ctx, sections)
	if err != nil {
		return discover.Result{}, err
	}
	return discover.Result{Code: code, TotalSections: d.n, NewSections: inserted}, nil
}

// extractMarking fills content for all items except those listed in
// failing, which stay incomplete.
func extractMarking(store pipeline.Store, failing map[string]bool) ExtractFunc {
	return func(ctx context.Context, code string, items []pipeline.WorkItem, onProgress func(int, int)) (pipeline.ExtractResult, error) {
		result := pipeline.ExtractResult{Code: code, TotalSections: len(items)}
		for i, item := range items {
			if failing[item.Section] {
				result.Failed = append(result.Failed, item.Identifier())
			} else {
				err := store.UpdateContent(ctx, pipeline.ContentUpdate{
					Code:    item.Code,
					Section: item.Section,
					Content: "body of " + item.Section,
				})
				if err != nil {
					return result, err
				}
				result.SingleVersionCount++
			}
			if onProgress != nil {
				onProgress(i+1, len(items))
			}
		}
		return result, nil
	}
}

type fakeResolver struct {
	result versions.ResolveResult
	calls  int
}

func (r *fakeResolver) ResolveAll(_ context.Context, code string) (versions.ResolveResult, error) {
	r.calls++
	r.result.Code = code
	return r.result, nil
}

type fakeReconciler struct {
	report reconcile.Report
	err    error
	calls  int
}

func (r *fakeReconciler) Reconcile(_ context.Context, code string) (reconcile.Report, error) {
	r.calls++
	r.report.Code = code
	return r.report, r.err
}

type fakePublisher struct {
	events []events.StageEvent
}

func (p *fakePublisher) Publish(_ context.Context, payload any) (string, error) {
	p.events = append(p.events, payload.(events.StageEvent))
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func convergedReport(rate float64) reconcile.Report {
	return reconcile.Report{
		Final:   reconcile.Status{CompletionRate: rate},
		Success: rate >= 100,
	}
}

func TestRunHappyPath(t *testing.T) {
	store := memory.New()
	clock := fixedClock{at: time.Date(2025, 1, 14, 12, 5, 30, 0, time.UTC)}
	publisher := &fakePublisher{}
	reconciler := &fakeReconciler{report: convergedReport(100)}
	r := New(store,
		&fakeDiscoverer{store: store, n: 5},
		extractMarking(store, nil),
		&fakeResolver{},
		reconciler,
		publisher, clock, zap.NewNop())
	ctx := context.Background()

	job, err := r.NewJob(ctx, "FAM")
	require.NoError(t, err)
	require.Equal(t, "fam_20250114_120530", job.ID)
	require.Equal(t, pipeline.JobPending, job.Status)

	require.NoError(t, r.Run(ctx, job, Options{}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobCompleted, got.Status)
	require.Equal(t, 100.0, got.Progress)
	require.Equal(t, 5, got.TotalSections)
	require.Equal(t, 5, got.ProcessedSections)
	require.Zero(t, got.FailedSections)
	require.NotNil(t, got.FinishedAt)

	code, err := store.GetCode(ctx, "FAM")
	require.NoError(t, err)
	require.True(t, code.Stage2Completed)
	require.Equal(t, 5, code.SingleVersionCount)
	require.NotNil(t, code.Stage2Finished)

	// Discovery, extraction and reconciliation each publish once; no
	// multi-version sections means no stage 3 event.
	require.Len(t, publisher.events, 3)
	require.Equal(t, string(pipeline.StageDiscovery), publisher.events[0].Stage)
	require.Equal(t, string(pipeline.StageReconciliation), publisher.events[2].Stage)
	require.Equal(t, 1, reconciler.calls)
}

func TestRunResolvesVersionsWhenFlagged(t *testing.T) {
	store := memory.New()
	clock := fixedClock{at: time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)}
	publisher := &fakePublisher{}
	resolver := &fakeResolver{result: versions.ResolveResult{
		Total:    2,
		Resolved: 1,
		Failed:   []string{"WAT:2"},
	}}

	extract := func(ctx context.Context, code string, items []pipeline.WorkItem, onProgress func(int, int)) (pipeline.ExtractResult, error) {
		require.NoError(t, store.MarkMultiVersion(ctx, code, items[0].Section, items[0].URL))
		for _, item := range items[1:] {
			require.NoError(t, store.UpdateContent(ctx, pipeline.ContentUpdate{
				Code: item.Code, Section: item.Section, Content: "x",
			}))
		}
		return pipeline.ExtractResult{
			Code:               code,
			TotalSections:      len(items),
			SingleVersionCount: len(items) - 1,
			MultiVersionCount:  1,
		}, nil
	}

	r := New(store,
		&fakeDiscoverer{store: store, n: 3},
		extract,
		resolver,
		&fakeReconciler{report: convergedReport(100)},
		publisher, clock, zap.NewNop())
	ctx := context.Background()

	job, err := r.NewJob(ctx, "WAT")
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx, job, Options{}))

	require.Equal(t, 1, resolver.calls)
	code, err := store.GetCode(ctx, "WAT")
	require.NoError(t, err)
	require.True(t, code.Stage3Completed)
	require.Equal(t, 1, code.MultiVersionCount)

	// The stage 3 event carries resolved and failed counts.
	require.Len(t, publisher.events, 4)
	stage3 := publisher.events[2]
	require.Equal(t, string(pipeline.StageVersions), stage3.Stage)
	require.Equal(t, 1, stage3.Sections)
	require.Equal(t, 1, stage3.Failed)
}

func TestRunSkipVersions(t *testing.T) {
	store := memory.New()
	clock := fixedClock{at: time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)}
	resolver := &fakeResolver{}

	extract := func(ctx context.Context, code string, items []pipeline.WorkItem, _ func(int, int)) (pipeline.ExtractResult, error) {
		for _, item := range items {
			require.NoError(t, store.MarkMultiVersion(ctx, code, item.Section, item.URL))
		}
		return pipeline.ExtractResult{Code: code, TotalSections: len(items), MultiVersionCount: len(items)}, nil
	}

	r := New(store,
		&fakeDiscoverer{store: store, n: 2},
		extract,
		resolver,
		&fakeReconciler{report: convergedReport(100)},
		nil, clock, zap.NewNop())
	ctx := context.Background()

	job, err := r.NewJob(ctx, "EVID")
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx, job, Options{SkipVersions: true}))
	require.Zero(t, resolver.calls)
}

func TestRunFailsBelowThreshold(t *testing.T) {
	store := memory.New()
	clock := fixedClock{at: time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)}
	r := New(store,
		&fakeDiscoverer{store: store, n: 10},
		extractMarking(store, map[string]bool{"3": true, "7": true}),
		nil,
		&fakeReconciler{report: convergedReport(80)},
		nil, clock, zap.NewNop())
	ctx := context.Background()

	job, err := r.NewJob(ctx, "FAM")
	require.NoError(t, err)
	err = r.Run(ctx, job, Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "below 99% threshold")

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobFailed, got.Status)
	require.Contains(t, got.ErrorText, "completion rate")
	require.Equal(t, 2, got.FailedSections)
}

func TestRunDiscoveryFailureMarksJobFailed(t *testing.T) {
	store := memory.New()
	clock := fixedClock{at: time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)}
	r := New(store,
		&fakeDiscoverer{store: store, err: errors.New("status 503: unavailable")},
		extractMarking(store, nil),
		nil, nil, nil, clock, zap.NewNop())
	ctx := context.Background()

	job, err := r.NewJob(ctx, "FAM")
	require.NoError(t, err)
	err = r.Run(ctx, job, Options{})
	require.Error(t, err)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobFailed, got.Status)
	require.Contains(t, got.ErrorText, "discovery")
}

func TestRunInterruptedMarksJobCancelled(t *testing.T) {
	store := memory.New()
	clock := fixedClock{at: time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)}

	extract := func(ctx context.Context, code string, items []pipeline.WorkItem, _ func(int, int)) (pipeline.ExtractResult, error) {
		return pipeline.ExtractResult{}, pipeline.ErrInterrupted
	}

	r := New(store,
		&fakeDiscoverer{store: store, n: 4},
		extract,
		nil, nil, nil, clock, zap.NewNop())
	ctx := context.Background()

	job, err := r.NewJob(ctx, "FAM")
	require.NoError(t, err)
	err = r.Run(ctx, job, Options{})
	require.ErrorIs(t, err, pipeline.ErrInterrupted)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobCancelled, got.Status)
	require.Contains(t, got.ErrorText, "resume")
}

func TestRunSecondJobNarrowsToGapSet(t *testing.T) {
	store := memory.New()
	clock := fixedClock{at: time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)}

	var firstItems, secondItems int
	run := 0
	extract := func(ctx context.Context, code string, items []pipeline.WorkItem, _ func(int, int)) (pipeline.ExtractResult, error) {
		run++
		if run == 1 {
			firstItems = len(items)
			// Complete all but one section.
			for _, item := range items[1:] {
				require.NoError(t, store.UpdateContent(ctx, pipeline.ContentUpdate{
					Code: item.Code, Section: item.Section, Content: "x",
				}))
			}
			return pipeline.ExtractResult{Code: code, TotalSections: len(items), SingleVersionCount: len(items) - 1, Failed: []string{items[0].Identifier()}}, nil
		}
		secondItems = len(items)
		for _, item := range items {
			require.NoError(t, store.UpdateContent(ctx, pipeline.ContentUpdate{
				Code: item.Code, Section: item.Section, Content: "x",
			}))
		}
		return pipeline.ExtractResult{Code: code, TotalSections: len(items), SingleVersionCount: len(items)}, nil
	}

	r := New(store,
		&fakeDiscoverer{store: store, n: 6},
		extract,
		nil,
		&fakeReconciler{report: convergedReport(100)},
		nil, clock, zap.NewNop())
	ctx := context.Background()

	job, err := r.NewJob(ctx, "FAM")
	require.NoError(t, err)
	_ = r.Run(ctx, job, Options{})

	job2 := pipeline.Job{ID: "fam_second", Code: "FAM", Status: pipeline.JobPending, CreatedAt: clock.Now()}
	require.NoError(t, store.CreateJob(ctx, job2))
	require.NoError(t, r.Run(ctx, job2, Options{}))

	require.Equal(t, 6, firstItems)
	require.Equal(t, 1, secondItems)
}
