// Package alignment normalizes measurement and prediction traces returned by
// the comparison endpoint and joins them into one exportable table keyed by
// the measurement's frequency axis.
package alignment

import (
	"cmp"
	"math"
	"slices"

	"github.com/tidwall/gjson"
)

// Metric is a family of per-frequency values.
type Metric string

const (
	MetricSPL       Metric = "spl"
	MetricPhase     Metric = "phase"
	MetricImpedance Metric = "impedance"
	MetricTHD       Metric = "thd"
)

// Metrics lists every family in display order.
var Metrics = []Metric{MetricSPL, MetricPhase, MetricImpedance, MetricTHD}

// Trace is a frequency-indexed set of series. Absent series are nil. When
// FrequencyHz is set every present series has exactly its length.
type Trace struct {
	FrequencyHz   []float64 `json:"frequency_hz,omitempty"`
	SPLdB         []float64 `json:"spl_db,omitempty"`
	PhaseDeg      []float64 `json:"phase_deg,omitempty"`
	ImpedanceReal []float64 `json:"impedance_real,omitempty"`
	ImpedanceImag []float64 `json:"impedance_imag,omitempty"`
	THDPercent    []float64 `json:"thd_percent,omitempty"`
}

// Delta holds measured minus predicted values per family.
type Delta struct {
	FrequencyHz       []float64 `json:"frequency_hz,omitempty"`
	SPLDeltaDB        []float64 `json:"spl_delta_db,omitempty"`
	PhaseDeltaDeg     []float64 `json:"phase_delta_deg,omitempty"`
	ImpedanceDeltaOhm []float64 `json:"impedance_delta_ohm,omitempty"`
	THDDeltaPercent   []float64 `json:"thd_delta_percent,omitempty"`
}

func (t *Trace) fields() []field {
	return []field{
		{"spl_db", &t.SPLdB},
		{"phase_deg", &t.PhaseDeg},
		{"impedance_real", &t.ImpedanceReal},
		{"impedance_imag", &t.ImpedanceImag},
		{"thd_percent", &t.THDPercent},
	}
}

func (d *Delta) fields() []field {
	return []field{
		{"spl_delta_db", &d.SPLDeltaDB},
		{"phase_delta_deg", &d.PhaseDeltaDeg},
		{"impedance_delta_ohm", &d.ImpedanceDeltaOhm},
		{"thd_delta_percent", &d.THDDeltaPercent},
	}
}

type field struct {
	key string
	dst *[]float64
}

// ImpedanceMagnitude derives |Z| = hypot(real, imag) per sample. It is nil
// unless both components are present with equal length.
func (t *Trace) ImpedanceMagnitude() []float64 {
	if t == nil || t.ImpedanceReal == nil || t.ImpedanceImag == nil || len(t.ImpedanceReal) != len(t.ImpedanceImag) {
		return nil
	}
	out := make([]float64, len(t.ImpedanceReal))
	for i := range out {
		out[i] = math.Hypot(t.ImpedanceReal[i], t.ImpedanceImag[i])
	}
	return out
}

// Series returns the values plotted for metric m.
func (t *Trace) Series(m Metric) []float64 {
	if t == nil {
		return nil
	}
	switch m {
	case MetricSPL:
		return t.SPLdB
	case MetricPhase:
		return t.PhaseDeg
	case MetricImpedance:
		return t.ImpedanceMagnitude()
	case MetricTHD:
		return t.THDPercent
	}
	return nil
}

// Series returns the delta values for metric m.
func (d *Delta) Series(m Metric) []float64 {
	if d == nil {
		return nil
	}
	switch m {
	case MetricSPL:
		return d.SPLDeltaDB
	case MetricPhase:
		return d.PhaseDeltaDeg
	case MetricImpedance:
		return d.ImpedanceDeltaOhm
	case MetricTHD:
		return d.THDDeltaPercent
	}
	return nil
}

// Normalize validates a measurement trace. It returns nil when the
// frequency axis is missing, empty, non-finite or holds a repeated
// frequency. An unsorted axis is sorted ascending and every series is
// reordered with it. A series whose length differs from the axis, or that
// holds a non-finite value, is dropped on its own.
func Normalize(raw gjson.Result) *Trace {
	if !raw.IsObject() {
		return nil
	}
	axis, order, ok := readAxis(raw.Get("frequency_hz"))
	if !ok {
		return nil
	}
	t := &Trace{FrequencyHz: axis}
	fill(raw, t.fields(), len(axis), order)
	return t
}

// ParseTrace is Normalize over a JSON document.
func ParseTrace(data []byte) *Trace {
	return Normalize(gjson.ParseBytes(data))
}

// normalizePrediction accepts a server-side trace whose frequency axis may be
// omitted. A present but invalid axis rejects the trace.
func normalizePrediction(raw gjson.Result) *Trace {
	if !raw.IsObject() {
		return nil
	}
	t := &Trace{}
	n, order, ok := foreignAxis(raw, &t.FrequencyHz)
	if !ok {
		return nil
	}
	fill(raw, t.fields(), n, order)
	return t
}

func normalizeDelta(raw gjson.Result) *Delta {
	if !raw.IsObject() {
		return nil
	}
	d := &Delta{}
	n, order, ok := foreignAxis(raw, &d.FrequencyHz)
	if !ok {
		return nil
	}
	fill(raw, d.fields(), n, order)
	return d
}

// foreignAxis reads an optional axis into dst and returns the required
// series length, or -1 when the axis is absent.
func foreignAxis(raw gjson.Result, dst *[]float64) (int, []int, bool) {
	ax := raw.Get("frequency_hz")
	if !ax.Exists() || ax.Type == gjson.Null {
		return -1, nil, true
	}
	axis, order, ok := readAxis(ax)
	if !ok {
		return 0, nil, false
	}
	*dst = axis
	return len(axis), order, true
}

// fill reads each series of length n (any length when n is negative) and,
// when order is set, rearranges it to match the sorted axis.
func fill(raw gjson.Result, fields []field, n int, order []int) {
	for _, f := range fields {
		s, ok := readSeries(raw.Get(f.key))
		if !ok || (n >= 0 && len(s) != n) {
			continue
		}
		if order != nil {
			sorted := make([]float64, len(s))
			for i, src := range order {
				sorted[i] = s[src]
			}
			s = sorted
		}
		*f.dst = s
	}
}

func readSeries(v gjson.Result) ([]float64, bool) {
	if !v.IsArray() {
		return nil, false
	}
	items := v.Array()
	out := make([]float64, len(items))
	for i, item := range items {
		if item.Type != gjson.Number || math.IsNaN(item.Num) || math.IsInf(item.Num, 0) {
			return nil, false
		}
		out[i] = item.Num
	}
	return out, true
}

// readAxis returns the axis in ascending order. order is nil when the input
// was already ascending, otherwise order[i] is the input index of axis[i].
func readAxis(v gjson.Result) (axis []float64, order []int, ok bool) {
	raw, ok := readSeries(v)
	if !ok || len(raw) == 0 {
		return nil, nil, false
	}
	if slices.IsSorted(raw) {
		for i := 1; i < len(raw); i++ {
			if raw[i] == raw[i-1] {
				return nil, nil, false
			}
		}
		return raw, nil, true
	}

	order = make([]int, len(raw))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return cmp.Compare(raw[a], raw[b]) })
	axis = make([]float64, len(raw))
	for i, src := range order {
		axis[i] = raw[src]
		if i > 0 && axis[i] == axis[i-1] {
			return nil, nil, false
		}
	}
	return axis, order, true
}
