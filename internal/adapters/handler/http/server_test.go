package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuzzbench.harness/internal/adapters/repository/fsstore"
	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/ports"
	"fuzzbench.harness/internal/core/services"
)

func seedStore(t *testing.T) *fsstore.Store {
	t.Helper()
	root := filepath.Join(t.TempDir(), "run-a")
	store := fsstore.New(root)
	require.NoError(t, store.Init())
	require.NoError(t, store.WriteRun(&domain.RunMeta{
		RunID:        "r1",
		BenchmarkSet: "erc20",
		JobIDs:       []string{"alpha", "beta", "gamma", "delta"},
	}))

	logDir := filepath.Join(root, "jobs", "alpha")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	stdout := filepath.Join(logDir, services.StdoutLogName)
	require.NoError(t, os.WriteFile(stdout, []byte("fuzzing alpha\n"), 0o644))

	require.NoError(t, store.WriteOutcome(&domain.JobOutcome{
		RunID: "r1", JobID: "alpha", Status: domain.JobStatusCompleted, StdoutLogPath: stdout,
	}))
	require.NoError(t, store.WriteOutcome(&domain.JobOutcome{RunID: "r1", JobID: "beta", Status: domain.JobStatusTimedOut}))
	require.NoError(t, store.WriteOutcome(&domain.JobOutcome{RunID: "r1", JobID: "gamma", Status: domain.JobStatusCompleted}))
	require.NoError(t, store.WriteSeries("alpha", []domain.StatsEntry{
		{InstructionsCovered: 100, TimeTakenMillis: 1000},
		{InstructionsCovered: 250, TimeTakenMillis: 2000},
	}))
	require.NoError(t, store.WriteSeries("gamma", []domain.StatsEntry{
		{InstructionsCovered: 50, TimeTakenMillis: 2000},
	}))
	return store
}

func newTestServer(t *testing.T, stores ...ports.ResultReader) *httptest.Server {
	t.Helper()
	agg := services.NewAggregator(stores...)
	health := services.NewHealthService(stores, nil, nil, "test")
	srv := httptest.NewServer(NewServer(agg, health, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestServerReport(t *testing.T) {
	srv := newTestServer(t, seedStore(t))

	var report services.Report
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/report", &report))
	require.Len(t, report.Sets, 1)
	assert.Equal(t, "erc20", report.Sets[0].BenchmarkSet)

	run := report.Sets[0].Runs[0]
	assert.Equal(t, 4, run.Expected)
	assert.Equal(t, 3, run.Recorded)
	assert.Equal(t, []string{"delta"}, run.Missing)
	assert.Equal(t, 2, run.Counts[domain.JobStatusCompleted])
	assert.Equal(t, 0, run.Counts[domain.JobStatusCrashed])
}

func TestServerListJobs(t *testing.T) {
	srv := newTestServer(t, seedStore(t))

	tests := []struct {
		name    string
		query   string
		wantIDs []string
		total   int
	}{
		{"all", "", []string{"alpha", "beta", "gamma"}, 3},
		{"by status", "?status=completed", []string{"alpha", "gamma"}, 2},
		{"paged", "?offset=1&limit=1", []string{"beta"}, 3},
		{"past end", "?offset=10", nil, 3},
		{"bad params ignored", "?offset=-3&limit=nope", []string{"alpha", "beta", "gamma"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var page PaginatedOutcomes
			require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/jobs/"+tt.query, &page))
			assert.Equal(t, tt.total, page.Total)
			var ids []string
			for _, o := range page.Jobs {
				ids = append(ids, o.JobID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestServerJobEndpoints(t *testing.T) {
	srv := newTestServer(t, seedStore(t))

	var outcome domain.JobOutcome
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/jobs/beta", &outcome))
	assert.Equal(t, domain.JobStatusTimedOut, outcome.Status)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/jobs/nope", nil))

	var series []domain.StatsEntry
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/jobs/alpha/series", &series))
	assert.Len(t, series, 2)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/jobs/beta/series", nil))

	resp, err := http.Get(srv.URL + "/api/jobs/alpha/logs")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fuzzing alpha\n", string(body))

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/jobs/alpha/logs?stream=stderr", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/jobs/alpha/logs?stream=both", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/jobs/delta/logs", nil))
}

func TestServerOverallSeries(t *testing.T) {
	srv := newTestServer(t, seedStore(t))

	var points []domain.SeriesPoint
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/series/overall", &points))
	require.Len(t, points, 2)
	assert.Equal(t, uint64(100), points[0].Instructions)
	assert.Equal(t, uint64(300), points[1].Instructions)
	assert.Equal(t, 2.0, points[1].TimeSeconds)
}

func TestServerRunSelection(t *testing.T) {
	first := seedStore(t)
	otherRoot := filepath.Join(t.TempDir(), "run-b")
	other := fsstore.New(otherRoot)
	require.NoError(t, other.Init())
	require.NoError(t, other.WriteRun(&domain.RunMeta{RunID: "r2", BenchmarkSet: "defi"}))
	require.NoError(t, other.WriteOutcome(&domain.JobOutcome{RunID: "r2", JobID: "vault", Status: domain.JobStatusCrashed}))

	srv := newTestServer(t, first, other)

	tests := []struct {
		query  string
		code   int
		wantID string
	}{
		{"", http.StatusOK, "alpha"},
		{"?run=r2", http.StatusOK, "vault"},
		{"?run=run-b", http.StatusOK, "vault"},
		{"?run=missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var page PaginatedOutcomes
			code := getJSON(t, srv.URL+"/api/jobs/"+tt.query, &page)
			require.Equal(t, tt.code, code)
			if tt.wantID != "" {
				require.NotEmpty(t, page.Jobs)
				assert.Equal(t, tt.wantID, page.Jobs[0].JobID)
			}
		})
	}
}

func TestServerHealth(t *testing.T) {
	srv := newTestServer(t, seedStore(t))

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report services.HealthReport
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/health/detailed", &report))
	assert.Equal(t, services.HealthStatusHealthy, report.Status)
	assert.Equal(t, "test", report.Version)

	gone := newTestServer(t, fsstore.New(filepath.Join(t.TempDir(), "never-created")))
	resp, err = http.Get(gone.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerMetrics(t *testing.T) {
	srv := newTestServer(t, seedStore(t))

	sink := MetricsSink{}
	code := 0
	require.NoError(t, sink.Publish(context.Background(), &domain.RunMeta{RunID: "r1"}, &domain.JobOutcome{
		JobID:      "alpha",
		Status:     domain.JobStatusCompleted,
		WallTimeMs: 1500,
		ExitCode:   &code,
		Metrics:    &domain.CoverageMetrics{InstructionsCovered: 250},
	}))
	ObserveSlots(domain.SlotGPU, 1)

	// one request so the http counters have a sample
	getJSON(t, srv.URL+"/api/report", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	text := string(body)
	assert.Contains(t, text, `fuzzbench_jobs_total{status="completed"}`)
	assert.Contains(t, text, `fuzzbench_job_instructions_covered{job_id="alpha"} 250`)
	assert.Contains(t, text, `fuzzbench_slots_in_use{kind="gpu"} 1`)
	assert.Contains(t, text, `http_requests_total{method="GET",path="/api/report",status="200"}`)
}
