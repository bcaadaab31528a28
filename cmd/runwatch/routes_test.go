package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/api"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/archive"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/reconciler"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/solvertest"
)

func newTestServer(t *testing.T, store *archive.Store) (*httptest.Server, *solvertest.Server, *reconciler.Reconciler) {
	t.Helper()
	solver := solvertest.New()
	t.Cleanup(solver.Close)

	rec := reconciler.New(reconciler.Config{
		API:                api.New(api.Config{BaseURL: solver.URL}),
		StreamURL:          solver.StreamURL(),
		RunPollInterval:    10 * time.Millisecond,
		RosterPollInterval: time.Hour,
	})
	t.Cleanup(rec.Dispose)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{rec: rec, store: store})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, solver, rec
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "runwatch_stream_state")
}

func TestStateSelectAndPause(t *testing.T) {
	srv, solver, rec := newTestServer(t, nil)
	solver.PutRun(runs.Run{ID: "a", Status: runs.StatusSucceeded, UpdatedAt: 1})
	solver.PutRun(runs.Run{ID: "b", Status: runs.StatusRunning, UpdatedAt: 2})

	resp, err := http.Post(srv.URL+"/api/roster/refresh", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/select/a", "", nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", gjson.Get(buf.String(), "selected_run_id").String())

	resp, err = http.Post(srv.URL+"/api/select/zzz", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = rec.Start(context.Background(), runs.Params{TargetSPL: 100})
	require.NoError(t, err)
	resp, err = http.Post(srv.URL+"/api/pause", "", nil)
	require.NoError(t, err)
	buf.Reset()
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.False(t, gjson.Get(buf.String(), "polling").Bool())
	assert.Equal(t, "closed", gjson.Get(buf.String(), "stream_state").String())

	resp, err = http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	buf.Reset()
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, int64(1), gjson.Get(buf.String(), "stats.counts.succeeded").Int())
}

func TestStateStream(t *testing.T) {
	srv, _, rec := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/state/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	first := strings.TrimPrefix(lines.Text(), "data: ")
	assert.Equal(t, "idle", gjson.Get(first, "stream_state").String())

	rec.Pause()
	for lines.Scan() {
		line := lines.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if gjson.Get(strings.TrimPrefix(line, "data: "), "version").Int() > gjson.Get(first, "version").Int() {
			return
		}
	}
	t.Fatal("no update after pause")
}

func TestArchiveRoutes(t *testing.T) {
	store, err := archive.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.SaveRun(context.Background(),
		runs.Run{ID: "done", Status: runs.StatusSucceeded, CreatedAt: 1, UpdatedAt: 2},
		[]runs.IterationMetrics{{Iter: 0}, {Iter: 1}}))

	srv, _, _ := newTestServer(t, store)

	resp, err := http.Get(srv.URL + "/api/archive/runs")
	require.NoError(t, err)
	var list struct {
		Runs  []json.RawMessage `json:"runs"`
		Total int               `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "done", gjson.GetBytes(list.Runs[0], "id").String())
	assert.Equal(t, int64(2), gjson.GetBytes(list.Runs[0], "iteration_count").Int())

	resp, err = http.Get(srv.URL + "/api/archive/runs/done")
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, int64(2), gjson.Get(buf.String(), "history.#").Int())

	resp, err = http.Get(srv.URL + "/api/archive/runs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArchiveRoutesDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/api/archive/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	err := printRuns(&buf, []runs.Run{
		{ID: "r1", Status: runs.StatusFailed, CreatedAt: 0, UpdatedAt: 1700000000, Error: "diverged"},
		{ID: "r2", Status: runs.StatusSucceeded, Result: &runs.RunResult{History: make([]runs.IterationMetrics, 3)}},
	}, runs.Stats{Counts: map[runs.Status]int{runs.StatusFailed: 1, runs.StatusSucceeded: 1}, Total: 2})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "2023-11-14T22:13:20Z")
	assert.Contains(t, out, "diverged")
	assert.Regexp(t, `r2\s+succeeded\s+-\s+-\s+3`, out)
	assert.Contains(t, out, "queued=0 running=0 succeeded=1 failed=1 total=2")
}
