package reconciler

import (
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/protocol"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

// Snapshot is a read-only copy of the reconciled state.
type Snapshot struct {
	Version       uint64                         `json:"version"`
	StreamState   string                         `json:"stream_state"`
	Polling       bool                           `json:"polling"`
	ActiveRunID   string                         `json:"active_run_id,omitempty"`
	SelectedRunID string                         `json:"selected_run_id,omitempty"`
	Active        *runs.Run                      `json:"active,omitempty"`
	Selected      *runs.Run                      `json:"selected,omitempty"`
	Roster        []runs.Run                     `json:"roster"`
	Stats         runs.Stats                     `json:"stats"`
	History       []runs.IterationMetrics        `json:"history"`
	Losses        []float64                      `json:"losses"`
	GradNorms     []float64                      `json:"grad_norms"`
	LastIter      *int                           `json:"last_iter,omitempty"`
	Topology      string                         `json:"topology,omitempty"`
	Violations    []protocol.ConstraintViolation `json:"violations"`
	LastHeartbeat *float64                       `json:"last_heartbeat,omitempty"`
	Convergence   *runs.ConvergenceInfo          `json:"convergence,omitempty"`
}

// Snapshot returns the current state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate states. The channel is closed by cancel or
// Dispose.
func (r *Reconciler) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if r.disposed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.snapshotLocked()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			close(c)
			delete(r.subs, id)
		}
	}
}

func (r *Reconciler) publishLocked() {
	r.version++
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (r *Reconciler) snapshotLocked() Snapshot {
	s := Snapshot{
		Version:       r.version,
		StreamState:   r.streamSt.String(),
		Polling:       r.stopPoll != nil,
		ActiveRunID:   r.activeID,
		SelectedRunID: r.selectedID,
		Roster:        make([]runs.Run, 0, len(r.roster)),
		Stats:         r.stats,
		History:       r.history.Slice(),
		Losses:        r.losses.Slice(),
		GradNorms:     r.gradNorms.Slice(),
		Topology:      r.topology,
		Violations:    r.violations.Slice(),
		LastHeartbeat: r.heartbeat,
		Convergence:   r.convergence,
	}
	if r.lastIter >= 0 {
		last := r.lastIter
		s.LastIter = &last
	}
	for _, id := range r.roster {
		s.Roster = append(s.Roster, r.known[id])
	}
	if run, ok := r.known[r.activeID]; ok && r.activeID != "" {
		s.Active = &run
	}
	if run, ok := r.known[r.selectedID]; ok && r.selectedID != "" {
		s.Selected = &run
	}
	return s
}
