package reconciler

import (
	"maps"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/protocol"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/transport"
)

const sourceStream = "stream"

// handlers binds stream callbacks to gen. Callbacks from a superseded
// stream are ignored.
func (r *Reconciler) handlers(gen uint64) transport.Handlers {
	return transport.Handlers{
		OnIteration: func(m protocol.Iteration) {
			r.withGen(gen, func() bool { return r.onIterationLocked(m) })
		},
		OnTopologySwitch: func(m protocol.TopologySwitch) {
			r.withGen(gen, func() bool {
				r.log.Debug("topology switch", "from", m.From, "to", m.To)
				r.topology = m.To
				return true
			})
		},
		OnConstraintViolation: func(m protocol.ConstraintViolation) {
			r.withGen(gen, func() bool {
				r.violations.Push(m)
				return true
			})
		},
		OnConvergence: func(m protocol.Convergence) {
			r.withGen(gen, func() bool {
				r.convergence = &runs.ConvergenceInfo{
					Converged:  m.Converged,
					Iterations: m.Iterations,
					FinalLoss:  m.FinalLoss,
					CPUTime:    m.CPUTime,
					Solution:   maps.Clone(m.Solution),
				}
				return true
			})
		},
		OnHeartbeat: func(m protocol.Heartbeat) {
			r.withGen(gen, func() bool {
				at := m.At
				r.heartbeat = &at
				return true
			})
		},
		OnStateChange: func(s transport.State) {
			r.withGen(gen, func() bool {
				r.streamSt = s
				return true
			})
		},
	}
}

// withGen runs fn under the lock if gen is current and publishes when fn
// reports a change.
func (r *Reconciler) withGen(gen uint64, fn func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed || r.gen != gen {
		return
	}
	if fn() {
		r.publishLocked()
	}
}

// onIterationLocked stamps an iteration without an iter from the local
// counter, one past the highest applied.
func (r *Reconciler) onIterationLocked(m protocol.Iteration) bool {
	iter := r.lastIter + 1
	if m.Iter != nil {
		iter = *m.Iter
	}
	return r.applyIterationLocked(runs.IterationMetrics{
		Iter:      iter,
		Loss:      m.Loss,
		GradNorm:  m.GradNorm,
		Topology:  m.Topology,
		Timestamp: m.Timestamp,
		Metrics:   maps.Clone(m.Metrics),
	}, sourceStream)
}
