package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func f(v float64) *float64 { return &v }

func succeededRun(id string) runs.Run {
	return runs.Run{
		ID:        id,
		Status:    runs.StatusSucceeded,
		CreatedAt: 100,
		UpdatedAt: 160,
		Params:    json.RawMessage(`{"targetSpl":92}`),
		Result: &runs.RunResult{
			Alignment: "vented",
			Metrics:   map[string]float64{"f3_hz": 38.5},
		},
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openMemory(t)
	require.NoError(t, migrate(s.db))

	var versions int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&versions))
	assert.Equal(t, 2, versions)
}

func TestSaveAndGetRun(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	history := []runs.IterationMetrics{
		{Iter: 0, Loss: f(1.5), GradNorm: f(0.3), Topology: "sealed"},
		{Iter: 1, Loss: f(1.1), Metrics: map[string]float64{"spl": 91}},
		{Iter: 2},
	}
	require.NoError(t, s.SaveRun(ctx, succeededRun("r1"), history))

	rec, got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSucceeded, rec.Status)
	assert.Equal(t, 160.0, rec.UpdatedAt)
	assert.JSONEq(t, `{"targetSpl":92}`, string(rec.Params))
	require.NotNil(t, rec.Result)
	assert.Equal(t, "vented", rec.Result.Alignment)
	assert.Equal(t, 3, rec.IterationCount)
	assert.False(t, rec.ArchivedAt.IsZero())

	require.Len(t, got, 3)
	assert.Equal(t, 1.5, *got[0].Loss)
	assert.Equal(t, "sealed", got[0].Topology)
	assert.Equal(t, 91.0, got[1].Metrics["spl"])
	assert.Nil(t, got[2].Loss)
	assert.Nil(t, got[2].Timestamp)
}

func TestSaveRunUpsertsAndKeepsFirstIteration(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	run := succeededRun("r1")
	run.Status = runs.StatusFailed
	run.Error = "diverged"
	require.NoError(t, s.SaveRun(ctx, run, []runs.IterationMetrics{{Iter: 0, Loss: f(2)}}))

	run.UpdatedAt = 200
	require.NoError(t, s.SaveRun(ctx, run, []runs.IterationMetrics{{Iter: 0, Loss: f(9)}, {Iter: 1}}))

	rec, history, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, rec.UpdatedAt)
	assert.Equal(t, "diverged", rec.Error)
	require.Len(t, history, 2)
	assert.Equal(t, 2.0, *history[0].Loss)
}

func TestGetRunNotFound(t *testing.T) {
	s := openMemory(t)
	_, _, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsPrunesToNewest(t *testing.T) {
	s := openMemory(t)
	s.keep = 2
	ctx := context.Background()

	for i := range 3 {
		id := fmt.Sprintf("r%d", i)
		require.NoError(t, s.SaveRun(ctx, succeededRun(id), []runs.IterationMetrics{{Iter: 0}, {Iter: 1}}))
	}

	records, total, err := s.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, records, 2)
	assert.Equal(t, "r2", records[0].ID)
	assert.Equal(t, "r1", records[1].ID)
	assert.Equal(t, 2, records[0].IterationCount)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM iterations WHERE run_id = 'r0'`).Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestWriterDrainsOnClose(t *testing.T) {
	s := openMemory(t)
	w := NewWriter(s, nil)

	id := w.Archive(succeededRun("r1"), []runs.IterationMetrics{{Iter: 0}})
	assert.NotEmpty(t, id)
	w.Close()

	rec, _, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.IterationCount)
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	assert.Empty(t, w.Archive(succeededRun("r1"), nil))
	w.Close()
}
