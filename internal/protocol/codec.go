package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Decode validates a msgpack binary frame. Required fields that are missing
// or of the wrong type reject the whole message; optional fields that are
// malformed or non-finite are dropped and the rest is kept.
func Decode(frame []byte) (Message, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromMap(raw)
}

// DecodeJSON validates a text frame with the same rules as Decode.
func DecodeJSON(frame []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromMap(raw)
}

// Marshal encodes m as a msgpack map tagged with its type.
func Marshal(m Message) ([]byte, error) {
	return msgpack.Marshal(toMap(m))
}

// EncodeJSON encodes m as a JSON object tagged with its type.
func EncodeJSON(m Message) ([]byte, error) {
	return json.Marshal(toMap(m))
}

func fromMap(raw map[string]any) (Message, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	tag, ok := raw["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch Type(tag) {
	case TypeIteration:
		return Iteration{
			Iter:      integer(raw["iter"]),
			Loss:      finite(raw["loss"]),
			GradNorm:  finite(raw["gradNorm"]),
			Topology:  str(raw["topology"]),
			Timestamp: finite(raw["timestamp"]),
			Metrics:   metricMap(raw["metrics"]),
		}, nil

	case TypeTopologySwitch:
		to := str(raw["to"])
		if to == "" {
			return nil, fmt.Errorf("%w: %s requires to", ErrMalformed, tag)
		}
		return TopologySwitch{From: str(raw["from"]), To: to}, nil

	case TypeConstraintViolation:
		constraint := str(raw["constraint"])
		if constraint == "" {
			return nil, fmt.Errorf("%w: %s requires constraint", ErrMalformed, tag)
		}
		return ConstraintViolation{
			Constraint: constraint,
			Location:   location(raw["location"]),
			Severity:   str(raw["severity"]),
		}, nil

	case TypeConvergence:
		c := Convergence{
			Iterations: integer(raw["iterations"]),
			FinalLoss:  finite(raw["finalLoss"]),
			CPUTime:    finite(raw["cpuTime"]),
		}
		if b, ok := raw["converged"].(bool); ok {
			c.Converged = &b
		}
		if sol, ok := raw["solution"].(map[string]any); ok {
			c.Solution = sol
		}
		return c, nil

	case TypeHeartbeat:
		at := finite(raw["at"])
		if at == nil {
			return nil, fmt.Errorf("%w: %s requires at", ErrMalformed, tag)
		}
		return Heartbeat{At: *at}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
}

func toMap(m Message) map[string]any {
	out := map[string]any{"type": string(m.Type())}
	put := func(key string, v any, present bool) {
		if present {
			out[key] = v
		}
	}

	switch v := m.(type) {
	case Iteration:
		if v.Iter != nil {
			out["iter"] = *v.Iter
		}
		if v.Loss != nil {
			out["loss"] = *v.Loss
		}
		if v.GradNorm != nil {
			out["gradNorm"] = *v.GradNorm
		}
		put("topology", v.Topology, v.Topology != "")
		if v.Timestamp != nil {
			out["timestamp"] = *v.Timestamp
		}
		put("metrics", v.Metrics, len(v.Metrics) > 0)
	case TopologySwitch:
		put("from", v.From, v.From != "")
		out["to"] = v.To
	case ConstraintViolation:
		out["constraint"] = v.Constraint
		if v.Location != nil {
			loc := map[string]any{}
			if v.Location.Label != "" {
				loc["label"] = v.Location.Label
			}
			if len(v.Location.Coords) > 0 {
				loc["coords"] = v.Location.Coords
			}
			out["location"] = loc
		}
		put("severity", v.Severity, v.Severity != "")
	case Convergence:
		if v.Converged != nil {
			out["converged"] = *v.Converged
		}
		if v.Iterations != nil {
			out["iterations"] = *v.Iterations
		}
		if v.FinalLoss != nil {
			out["finalLoss"] = *v.FinalLoss
		}
		if v.CPUTime != nil {
			out["cpuTime"] = *v.CPUTime
		}
		put("solution", v.Solution, len(v.Solution) > 0)
	case Heartbeat:
		out["at"] = v.At
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// number converts any decoded numeric value to float64.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func finite(v any) *float64 {
	f, ok := number(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func integer(v any) *int {
	f := finite(v)
	if f == nil || *f < 0 || *f != math.Trunc(*f) || *f > math.MaxInt32 {
		return nil
	}
	n := int(*f)
	return &n
}

func metricMap(v any) map[string]float64 {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, val := range raw {
		if f := finite(val); f != nil {
			out[k] = *f
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func location(v any) *Location {
	switch l := v.(type) {
	case string:
		if l == "" {
			return nil
		}
		return &Location{Label: l}
	case map[string]any:
		loc := &Location{Label: str(l["label"]), Coords: Numbers(l["coords"])}
		if loc.Label == "" && loc.Coords == nil {
			return nil
		}
		return loc
	}
	if coords := Numbers(v); coords != nil {
		return &Location{Coords: coords}
	}
	return nil
}

// Numbers normalizes a decoded numeric sequence to []float64. It accepts
// generic arrays, Go typed slices and msgpack bin payloads holding packed
// little-endian float64 values. Any non-finite or non-numeric element makes
// the whole sequence invalid and nil is returned.
func Numbers(v any) []float64 {
	switch s := v.(type) {
	case []float64:
		return checked(s)
	case []any:
		out := make([]float64, len(s))
		for i, e := range s {
			f := finite(e)
			if f == nil {
				return nil
			}
			out[i] = *f
		}
		return out
	case []byte:
		if len(s)%8 != 0 {
			return nil
		}
		out := make([]float64, len(s)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(s[i*8:]))
		}
		return checked(out)
	case []float32:
		return convert(s)
	case []int:
		return convert(s)
	case []int32:
		return convert(s)
	case []int64:
		return convert(s)
	case []uint16:
		return convert(s)
	case []uint32:
		return convert(s)
	}
	return nil
}

func convert[T float32 | int | int32 | int64 | uint16 | uint32](s []T) []float64 {
	out := make([]float64, len(s))
	for i, e := range s {
		out[i] = float64(e)
	}
	return checked(out)
}

func checked(s []float64) []float64 {
	for _, f := range s {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
