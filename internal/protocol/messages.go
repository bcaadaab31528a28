// Package protocol defines the closed set of tagged messages carried by the
// solver telemetry stream and the codec that validates them at the boundary.
package protocol

// Type is the discriminator carried in every frame's "type" field.
type Type string

const (
	TypeIteration           Type = "ITERATION"
	TypeTopologySwitch      Type = "TOPOLOGY_SWITCH"
	TypeConstraintViolation Type = "CONSTRAINT_VIOLATION"
	TypeConvergence         Type = "CONVERGENCE"
	TypeHeartbeat           Type = "HEARTBEAT"
)

// Types lists every known tag.
var Types = []Type{
	TypeIteration,
	TypeTopologySwitch,
	TypeConstraintViolation,
	TypeConvergence,
	TypeHeartbeat,
}

// Message is implemented only by the variants in this package.
type Message interface {
	Type() Type
	sealed()
}

// Iteration reports one solver step. Iter is nil when the server omitted it.
type Iteration struct {
	Iter      *int
	Loss      *float64
	GradNorm  *float64
	Topology  string
	Timestamp *float64
	Metrics   map[string]float64
}

// TopologySwitch reports the solver moving to a different enclosure topology.
type TopologySwitch struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// Location pinpoints where a constraint was violated.
type Location struct {
	Label  string    `json:"label,omitempty"`
	Coords []float64 `json:"coords,omitempty"`
}

// ConstraintViolation reports a constraint the current candidate breaks.
type ConstraintViolation struct {
	Constraint string    `json:"constraint"`
	Location   *Location `json:"location,omitempty"`
	Severity   string    `json:"severity,omitempty"`
}

// Convergence reports that the solver finished.
type Convergence struct {
	Converged  *bool
	Iterations *int
	FinalLoss  *float64
	CPUTime    *float64
	Solution   map[string]any
}

// Heartbeat is a keepalive stamped with server time.
type Heartbeat struct {
	At float64
}

func (Iteration) Type() Type           { return TypeIteration }
func (TopologySwitch) Type() Type      { return TypeTopologySwitch }
func (ConstraintViolation) Type() Type { return TypeConstraintViolation }
func (Convergence) Type() Type         { return TypeConvergence }
func (Heartbeat) Type() Type           { return TypeHeartbeat }

func (Iteration) sealed()           {}
func (TopologySwitch) sealed()      {}
func (ConstraintViolation) sealed() {}
func (Convergence) sealed()         {}
func (Heartbeat) sealed()           {}
