package reconciler

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/protocol"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

func TestInterleavedSourcesStayMonotone(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for round := range 50 {
		r := New(Config{HistoryWindow: 16})

		type event struct {
			iter   int
			source string
		}
		var events []event
		for i := range 40 {
			events = append(events, event{i, sourceStream}, event{i, sourcePoll})
			if rng.IntN(4) == 0 {
				events = append(events, event{i, sourceStream})
			}
		}
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

		for _, e := range events {
			r.applyIterationLocked(runs.IterationMetrics{Iter: e.iter}, e.source)
		}

		h := r.history.Slice()
		require.LessOrEqual(t, len(h), 16, "round %d", round)
		for i := 1; i < len(h); i++ {
			require.Greater(t, h[i].Iter, h[i-1].Iter, "round %d", round)
		}
	}
}

func TestMissingIterUsesLocalCounter(t *testing.T) {
	r := New(Config{})
	five := 5

	assert.True(t, r.onIterationLocked(protocol.Iteration{}))
	assert.True(t, r.onIterationLocked(protocol.Iteration{Iter: &five}))
	assert.True(t, r.onIterationLocked(protocol.Iteration{}))
	assert.False(t, r.onIterationLocked(protocol.Iteration{Iter: &five}))

	var got []int
	for _, it := range r.history.Slice() {
		got = append(got, it.Iter)
	}
	assert.Equal(t, []int{0, 5, 6}, got)
}

func TestApplyRunIgnoresStaleRecord(t *testing.T) {
	r := New(Config{})
	r.activeID = "a"

	_, changed := r.applyRunLocked(runs.Run{ID: "a", Status: runs.StatusRunning, UpdatedAt: 10})
	assert.True(t, changed)

	merged, changed := r.applyRunLocked(runs.Run{
		ID: "a", Status: runs.StatusSucceeded, UpdatedAt: 5,
		Result: &runs.RunResult{History: []runs.IterationMetrics{{Iter: 0}}},
	})
	assert.False(t, changed)
	assert.Equal(t, runs.StatusRunning, merged.Status)
	assert.Zero(t, r.history.Len())
}
