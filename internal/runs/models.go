// Package runs defines the optimisation run records shared by the REST
// client, the reconciler and the archive.
package runs

import "encoding/json"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed}

// ParseStatus validates s against the known statuses.
func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Rank orders statuses along queued -> running -> {succeeded|failed}.
// Unknown statuses rank below queued so they never override a known one.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed:
		return 2
	}
	return -1
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IterationMetrics is one entry of a run's iteration history.
type IterationMetrics struct {
	Iter      int                `json:"iter"`
	Loss      *float64           `json:"loss,omitempty"`
	GradNorm  *float64           `json:"gradNorm,omitempty"`
	Topology  string             `json:"topology,omitempty"`
	Timestamp *float64           `json:"timestamp,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// ConvergenceInfo summarises how a run finished.
type ConvergenceInfo struct {
	Converged  *bool          `json:"converged,omitempty"`
	Iterations *int           `json:"iterations,omitempty"`
	FinalLoss  *float64       `json:"finalLoss,omitempty"`
	CPUTime    *float64       `json:"cpuTime,omitempty"`
	Solution   map[string]any `json:"solution,omitempty"`
}

// RunResult is the payload attached to a finished run.
type RunResult struct {
	History     []IterationMetrics `json:"history"`
	Convergence *ConvergenceInfo   `json:"convergence,omitempty"`
	Summary     json.RawMessage    `json:"summary,omitempty"`
	Response    json.RawMessage    `json:"response,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Alignment   string             `json:"alignment,omitempty"`
}

// Run is one server-side optimisation job.
type Run struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	CreatedAt float64         `json:"created_at"`
	UpdatedAt float64         `json:"updated_at"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    *RunResult      `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Stats holds roster-wide status counts.
type Stats struct {
	Counts map[Status]int `json:"counts"`
	Total  int            `json:"total"`
}

// Params is the optimisation start request.
type Params struct {
	TargetSPL       float64  `json:"targetSpl"`
	MaxVolume       float64  `json:"maxVolume"`
	WeightLow       *float64 `json:"weightLow,omitempty"`
	WeightMid       *float64 `json:"weightMid,omitempty"`
	PreferAlignment string   `json:"preferAlignment,omitempty"`
}
