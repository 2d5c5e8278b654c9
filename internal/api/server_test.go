package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/ledger"
	"github.com/calegis/lawcrawl/internal/pipeline"
	"github.com/calegis/lawcrawl/internal/reconcile"
	"github.com/calegis/lawcrawl/internal/runner"
	"github.com/calegis/lawcrawl/internal/storage/memory"
)

type fakeJobRunner struct {
	mu      sync.Mutex
	store   pipeline.Store
	newErr  error
	ran     []runner.Options
	started chan struct{}
}

func (f *fakeJobRunner) NewJob(ctx context.Context, code string) (pipeline.Job, error) {
	if f.newErr != nil {
		return pipeline.Job{}, f.newErr
	}
	job := pipeline.Job{
		ID:        "fam_20250114_120000",
		Code:      code,
		Status:    pipeline.JobPending,
		CreatedAt: time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC),
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		return pipeline.Job{}, err
	}
	return job, nil
}

func (f *fakeJobRunner) Run(_ context.Context, _ pipeline.Job, opts runner.Options) error {
	f.mu.Lock()
	f.ran = append(f.ran, opts)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	return nil
}

type fakeLedger struct {
	retryOne  ledger.RetryOutcome
	retryErr  error
	summary   ledger.RetrySummary
	abandoned []string
	report    pipeline.FailureReport

	gotForce    bool
	gotTypes    []pipeline.FailureType
	gotLimit    int
	reportCalls int
}

func (f *fakeLedger) RetryOne(_ context.Context, code, section string, force bool) (ledger.RetryOutcome, error) {
	f.gotForce = force
	return f.retryOne, f.retryErr
}

func (f *fakeLedger) RetryAll(_ context.Context, code string, limit int, types []pipeline.FailureType) (ledger.RetrySummary, error) {
	f.gotLimit = limit
	f.gotTypes = types
	return f.summary, nil
}

func (f *fakeLedger) Abandon(_ context.Context, code, section, reason string) error {
	if reason == "" {
		return errors.New("reason required")
	}
	f.abandoned = append(f.abandoned, code+":"+section)
	return nil
}

func (f *fakeLedger) Report(_ context.Context, code string) (pipeline.FailureReport, error) {
	f.reportCalls++
	return f.report, nil
}

type fakeReconciler struct {
	report reconcile.Report
	calls  int
}

func (f *fakeReconciler) Reconcile(_ context.Context, code string) (reconcile.Report, error) {
	f.calls++
	f.report.Code = code
	return f.report, nil
}

func newTestServer(t *testing.T) (*Server, *memory.Store, *fakeJobRunner, *fakeLedger, *fakeReconciler) {
	t.Helper()
	store := memory.New()
	jobs := &fakeJobRunner{store: store}
	ledgerOps := &fakeLedger{}
	reconciler := &fakeReconciler{}
	srv := NewServer(context.Background(), store, jobs, ledgerOps, reconciler, zap.NewNop())
	return srv, store, jobs, ledgerOps, reconciler
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStartJobAccepted(t *testing.T) {
	srv, _, jobs, _, _ := newTestServer(t)
	jobs.started = make(chan struct{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/codes/fam/jobs", `{"skip_versions":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "fam_20250114_120000", resp["job_id"])

	select {
	case <-jobs.started:
	case <-time.After(2 * time.Second):
		t.Fatal("background run never started")
	}
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Len(t, jobs.ran, 1)
	require.True(t, jobs.ran[0].SkipVersions)
	require.False(t, jobs.ran[0].SkipReconcile)
}

func TestStartJobCreateFails(t *testing.T) {
	srv, _, jobs, _, _ := newTestServer(t)
	jobs.newErr = errors.New("store down")

	rec := doJSON(t, srv, http.MethodPost, "/v1/codes/FAM/jobs", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetJob(t *testing.T) {
	srv, store, _, _, _ := newTestServer(t)
	job := pipeline.Job{ID: "fam_x", Code: "FAM", Status: pipeline.JobRunning, Progress: 42.5}
	require.NoError(t, store.CreateJob(context.Background(), job))

	rec := doJSON(t, srv, http.MethodGet, "/v1/jobs/fam_x", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got pipeline.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, pipeline.JobRunning, got.Status)
	require.Equal(t, 42.5, got.Progress)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/v1/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCode(t *testing.T) {
	srv, store, _, _, _ := newTestServer(t)
	require.NoError(t, store.UpsertCode(context.Background(), pipeline.Code{Code: "FAM", URL: "https://x", TotalSections: 12}))

	rec := doJSON(t, srv, http.MethodGet, "/v1/codes/fam/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got pipeline.Code
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 12, got.TotalSections)
}

func TestListFailuresWithFilters(t *testing.T) {
	srv, store, _, _, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.SaveFailure(ctx, pipeline.FailedSection{
		Code: "FAM", Section: "10", FailureType: pipeline.FailureTimeout, RetryStatus: pipeline.RetryPending,
	}))
	require.NoError(t, store.SaveFailure(ctx, pipeline.FailedSection{
		Code: "FAM", Section: "11", FailureType: pipeline.FailureParseError, RetryStatus: pipeline.RetryAbandoned,
	}))

	rec := doJSON(t, srv, http.MethodGet, "/v1/codes/FAM/failures/?status=pending&types=timeout,network_error", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count    int                      `json:"count"`
		Failures []pipeline.FailedSection `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	require.Equal(t, "10", resp.Failures[0].Section)
}

func TestRetryOnePassesForce(t *testing.T) {
	srv, _, _, ledgerOps, _ := newTestServer(t)
	ledgerOps.retryOne = ledger.RetryOutcome{Success: true, ContentLength: 120}

	rec := doJSON(t, srv, http.MethodPost, "/v1/codes/FAM/failures/3.5/retry?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ledgerOps.gotForce)

	var got ledger.RetryOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Success)
}

func TestRetryOneNoRecord(t *testing.T) {
	srv, _, _, ledgerOps, _ := newTestServer(t)
	ledgerOps.retryErr = errors.New("no failure record for FAM:99")

	rec := doJSON(t, srv, http.MethodPost, "/v1/codes/FAM/failures/99/retry", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRetryAllParsesBody(t *testing.T) {
	srv, _, _, ledgerOps, _ := newTestServer(t)
	ledgerOps.summary = ledger.RetrySummary{Total: 3, Succeeded: 2, Failed: 1}

	rec := doJSON(t, srv, http.MethodPost, "/v1/codes/FAM/failures/retry", `{"limit":5,"types":["timeout"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, ledgerOps.gotLimit)
	require.Equal(t, []pipeline.FailureType{pipeline.FailureTimeout}, ledgerOps.gotTypes)
}

func TestAbandonRequiresReason(t *testing.T) {
	srv, _, _, ledgerOps, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/codes/FAM/failures/12/abandon", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, ledgerOps.abandoned)

	rec = doJSON(t, srv, http.MethodPost, "/v1/codes/FAM/failures/12/abandon", `{"reason":"repealed in 2019"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"FAM:12"}, ledgerOps.abandoned)
}

func TestReconcileEndpoint(t *testing.T) {
	srv, _, _, _, reconciler := newTestServer(t)
	reconciler.report = reconcile.Report{
		Final:   reconcile.Status{Total: 10, Complete: 10, CompletionRate: 100},
		Success: true,
	}

	rec := doJSON(t, srv, http.MethodPost, "/v1/codes/fam/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, reconciler.calls)

	var got reconcile.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "FAM", got.Code)
	require.True(t, got.Success)
}

func TestGetReportServesStoredAggregate(t *testing.T) {
	srv, store, _, ledgerOps, _ := newTestServer(t)
	require.NoError(t, store.SaveFailureReport(context.Background(), pipeline.FailureReport{
		Code: "FAM", TotalSections: 10, CompletionRate: 90,
	}))

	rec := doJSON(t, srv, http.MethodGet, "/v1/codes/fam/report", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got pipeline.FailureReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 10, got.TotalSections)
	require.Zero(t, ledgerOps.reportCalls)

	// refresh recomputes through the ledger.
	ledgerOps.report = pipeline.FailureReport{Code: "FAM", TotalSections: 12}
	rec = doJSON(t, srv, http.MethodGet, "/v1/codes/fam/report?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 12, got.TotalSections)
	require.Equal(t, 1, ledgerOps.reportCalls)
}

func TestGetReportComputesWhenMissing(t *testing.T) {
	srv, _, _, ledgerOps, _ := newTestServer(t)
	ledgerOps.report = pipeline.FailureReport{Code: "EVID", TotalSections: 4}

	rec := doJSON(t, srv, http.MethodGet, "/v1/codes/evid/report", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got pipeline.FailureReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 4, got.TotalSections)
	require.Equal(t, 1, ledgerOps.reportCalls)
}

func TestListJobsLimit(t *testing.T) {
	srv, store, _, _, _ := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateJob(ctx, pipeline.Job{ID: id, Code: "FAM"}))
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/jobs/?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []pipeline.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
}
