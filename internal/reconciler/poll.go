package reconciler

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/metrics"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

type archiveJob struct {
	run     runs.Run
	history []runs.IterationMetrics
}

// pollRun polls one run until it is terminal or ctx is cancelled. The first
// poll happens immediately.
func (r *Reconciler) pollRun(ctx context.Context, gen uint64, id string) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RunPollInterval)
	defer ticker.Stop()

	for {
		if r.pollRunOnce(ctx, gen, id) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollRunOnce reports whether polling should stop.
func (r *Reconciler) pollRunOnce(ctx context.Context, gen uint64, id string) bool {
	start := time.Now()
	run, err := r.cfg.API.GetRun(ctx, id)
	metrics.PollDuration.WithLabelValues("run").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		metrics.PollErrors.WithLabelValues("run").Inc()
		r.log.Warn("run poll failed", "run_id", id, "error", err)
		return false
	}

	r.mu.Lock()
	if r.disposed || r.gen != gen {
		r.mu.Unlock()
		return true
	}
	merged, changed := r.applyRunLocked(run)
	terminal := merged.Status.Terminal()
	if terminal && r.stopPoll != nil {
		r.stopPoll()
		r.stopPoll = nil
		changed = true
	}
	history, archive := r.archiveLocked(merged)
	if changed {
		r.publishLocked()
	}
	r.mu.Unlock()

	if terminal {
		r.log.Info("run finished", "run_id", id, "status", merged.Status, "iterations", len(history))
	}
	if archive {
		r.cfg.Archiver.Archive(merged, history)
	}
	return terminal
}

// WatchRoster starts the roster poll. The loop is a singleton: later calls
// and run starts re-arm its timer instead of creating another one.
func (r *Reconciler) WatchRoster() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed || r.stopRoster != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.stopRoster = cancel
	r.wg.Add(1)
	go r.rosterLoop(ctx)
}

func (r *Reconciler) rosterLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RosterPollInterval)
	defer ticker.Stop()

	for {
		if err := r.refresh(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("roster poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.rearm:
			ticker.Reset(r.cfg.RosterPollInterval)
		}
	}
}

// RefreshRoster fetches the roster and status counts now.
func (r *Reconciler) RefreshRoster(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	return r.refresh(ctx)
}

func (r *Reconciler) refresh(ctx context.Context) error {
	start := time.Now()
	list, listErr := r.cfg.API.ListRuns(ctx, r.cfg.RosterLimit, "")
	metrics.PollDuration.WithLabelValues("roster").Observe(time.Since(start).Seconds())
	if listErr != nil {
		metrics.PollErrors.WithLabelValues("roster").Inc()
	}

	start = time.Now()
	stats, statsErr := r.cfg.API.Stats(ctx)
	metrics.PollDuration.WithLabelValues("stats").Observe(time.Since(start).Seconds())
	if statsErr != nil {
		metrics.PollErrors.WithLabelValues("stats").Inc()
	}

	var jobs []archiveJob
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	if listErr == nil {
		ids := make([]string, 0, len(list))
		for _, run := range list {
			merged, _ := r.applyRunLocked(run)
			ids = append(ids, merged.ID)
			if history, ok := r.archiveLocked(merged); ok {
				jobs = append(jobs, archiveJob{run: merged, history: history})
			}
		}
		r.roster = ids
		r.reselectLocked()
	}
	if statsErr == nil {
		r.stats = stats
	}
	if listErr == nil || statsErr == nil {
		r.publishLocked()
	}
	r.mu.Unlock()

	for _, j := range jobs {
		r.cfg.Archiver.Archive(j.run, j.history)
	}
	return errors.Join(listErr, statsErr)
}

// reselectLocked keeps the selection pointing at a roster member: the
// current selection if still listed, else the active run, else the first
// entry, else nothing.
func (r *Reconciler) reselectLocked() {
	switch {
	case r.selectedID != "" && slices.Contains(r.roster, r.selectedID):
	case r.activeID != "" && slices.Contains(r.roster, r.activeID):
		r.selectedID = r.activeID
	case len(r.roster) > 0:
		r.selectedID = r.roster[0]
	default:
		r.selectedID = ""
	}
}

// Select makes id the run under inspection. It must be in the roster or
// be the active run.
func (r *Reconciler) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	if !slices.Contains(r.roster, id) && id != r.activeID {
		return ErrUnknownRun
	}
	r.selectedID = id
	r.publishLocked()
	return nil
}
