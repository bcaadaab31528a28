package reconciler

import (
	"cmp"
	"slices"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/metrics"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

const sourcePoll = "poll"

// applyIterationLocked appends it to the canonical history only when its
// iter is strictly greater than every iter already applied. Replays and
// duplicates from either source are ignored.
func (r *Reconciler) applyIterationLocked(it runs.IterationMetrics, source string) bool {
	if it.Iter < 0 || it.Iter <= r.lastIter {
		metrics.IterationsIgnored.WithLabelValues(source).Inc()
		return false
	}
	r.history.Push(it)
	r.lastIter = it.Iter
	if it.Loss != nil {
		r.losses.Push(*it.Loss)
	}
	if it.GradNorm != nil {
		r.gradNorms.Push(*it.GradNorm)
	}
	if it.Topology != "" {
		r.topology = it.Topology
	}
	metrics.IterationsApplied.WithLabelValues(source).Inc()
	return true
}

// applyRunLocked folds an observed run record into the known set. For the
// active run the polled history and convergence are merged too. It returns
// the canonical record and whether anything changed.
func (r *Reconciler) applyRunLocked(run runs.Run) (runs.Run, bool) {
	merged, changed := run, true
	if existing, ok := r.known[run.ID]; ok {
		merged, changed = runs.Merge(existing, run)
	}
	r.known[run.ID] = merged

	if run.ID != r.activeID || merged.Result == nil {
		return merged, changed
	}
	history := slices.Clone(merged.Result.History)
	slices.SortStableFunc(history, func(a, b runs.IterationMetrics) int { return cmp.Compare(a.Iter, b.Iter) })
	for _, it := range history {
		if r.applyIterationLocked(it, sourcePoll) {
			changed = true
		}
	}
	if c := merged.Result.Convergence; c != nil && merged.Status.Terminal() {
		r.convergence = c
		changed = true
	}
	return merged, changed
}

// archiveLocked marks a terminal run as archived and returns the history to
// hand to the archiver. ok is false when nothing should be archived.
func (r *Reconciler) archiveLocked(run runs.Run) ([]runs.IterationMetrics, bool) {
	if r.cfg.Archiver == nil || !run.Status.Terminal() || r.archived[run.ID] {
		return nil, false
	}
	r.archived[run.ID] = true
	if run.ID == r.activeID {
		return r.history.Slice(), true
	}
	if run.Result != nil {
		return slices.Clone(run.Result.History), true
	}
	return nil, true
}
