package alignment

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// keyPrecision is the number of decimals frequencies are compared at.
const keyPrecision = 6

// Table is the flattened export: one row per measurement frequency.
type Table struct {
	Header []string
	Rows   [][]string
	// Warnings describe cells left empty because a foreign series could
	// not be aligned to the measurement axis.
	Warnings []string
}

type column struct {
	name string
	cell func(row int) (float64, bool)
}

// BuildExport joins the measurement with every prediction and delta in
// result. Foreign traces that carry a frequency axis are joined by
// frequency key; traces without one are joined by index only when the
// series has exactly one value per measurement point. Anything else
// leaves the cell empty. Columns whose data is absent are omitted.
func BuildExport(measurement *Trace, result *ComparisonResult) (*Table, error) {
	if measurement == nil || len(measurement.FrequencyHz) == 0 {
		return nil, ErrNoMeasurement
	}
	axis := measurement.FrequencyHz
	t := &Table{}

	cols := []column{{
		name: "frequency_hz",
		cell: func(row int) (float64, bool) { return axis[row], true },
	}}
	cols = append(cols, traceColumns(t, "measurement", axis, measurement, true)...)

	if result != nil {
		cols = append(cols, traceColumns(t, "baseline", axis, result.Prediction, false)...)
		cols = append(cols, deltaColumns(t, "baseline", axis, result.Delta)...)
		if cal := result.Calibrated; cal != nil {
			cols = append(cols, traceColumns(t, "calibrated", axis, cal.Prediction, false)...)
			cols = append(cols, deltaColumns(t, "calibrated", axis, cal.Delta)...)
		}
	}

	t.Header = make([]string, len(cols))
	for i, c := range cols {
		t.Header[i] = c.name
	}
	t.Rows = make([][]string, len(axis))
	for row := range axis {
		cells := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := c.cell(row); ok {
				cells[i] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		t.Rows[row] = cells
	}
	return t, nil
}

// WriteCSV writes the header and every row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

func traceColumns(t *Table, prefix string, axis []float64, tr *Trace, own bool) []column {
	if tr == nil {
		return nil
	}
	var j *joiner
	if !own {
		j = newJoiner(t, prefix+" prediction", axis, tr.FrequencyHz)
	}
	fields := []struct {
		suffix string
		values []float64
	}{
		{"spl_db", tr.SPLdB},
		{"phase_deg", tr.PhaseDeg},
		{"impedance_real_ohm", tr.ImpedanceReal},
		{"impedance_imag_ohm", tr.ImpedanceImag},
		{"impedance_mag_ohm", tr.ImpedanceMagnitude()},
		{"thd_percent", tr.THDPercent},
	}
	var cols []column
	for _, s := range fields {
		if s.values == nil {
			continue
		}
		cols = append(cols, column{
			name: prefix + "_" + s.suffix,
			cell: j.cell(t, prefix+"_"+s.suffix, axis, s.values),
		})
	}
	return cols
}

func deltaColumns(t *Table, prefix string, axis []float64, d *Delta) []column {
	if d == nil {
		return nil
	}
	j := newJoiner(t, prefix+" delta", axis, d.FrequencyHz)
	fields := []struct {
		suffix string
		values []float64
	}{
		{"spl_delta_db", d.SPLDeltaDB},
		{"phase_delta_deg", d.PhaseDeltaDeg},
		{"impedance_delta_ohm", d.ImpedanceDeltaOhm},
		{"thd_delta_percent", d.THDDeltaPercent},
	}
	var cols []column
	for _, s := range fields {
		if s.values == nil {
			continue
		}
		cols = append(cols, column{
			name: prefix + "_" + s.suffix,
			cell: j.cell(t, prefix+"_"+s.suffix, axis, s.values),
		})
	}
	return cols
}

// joiner maps measurement rows onto a foreign trace. A nil joiner means the
// series shares the measurement axis.
type joiner struct {
	// rowIndex[row] is the foreign index for that row, or -1. Nil when the
	// foreign trace has no frequency axis.
	rowIndex []int
}

func newJoiner(t *Table, source string, axis, foreign []float64) *joiner {
	if foreign == nil {
		return &joiner{}
	}
	byKey := make(map[string]int, len(foreign))
	for i, f := range foreign {
		k := freqKey(f)
		if _, dup := byKey[k]; !dup {
			byKey[k] = i
		}
	}

	j := &joiner{rowIndex: make([]int, len(axis))}
	missed := 0
	for row, f := range axis {
		i, ok := byKey[freqKey(f)]
		if !ok {
			i = -1
			missed++
		}
		j.rowIndex[row] = i
	}
	if missed > 0 {
		t.Warnings = append(t.Warnings, fmt.Sprintf(
			"%s: %d of %d measurement frequencies have no matching frequency; cells left empty",
			source, missed, len(axis)))
	}
	return j
}

func (j *joiner) cell(t *Table, name string, axis, values []float64) func(int) (float64, bool) {
	switch {
	case j == nil:
		if len(values) < len(axis) {
			t.Warnings = append(t.Warnings, fmt.Sprintf(
				"%s: %d values for %d measurement frequencies; trailing cells left empty",
				name, len(values), len(axis)))
		}
		return func(row int) (float64, bool) {
			if row >= len(values) {
				return 0, false
			}
			return values[row], true
		}

	case j.rowIndex != nil:
		return func(row int) (float64, bool) {
			i := j.rowIndex[row]
			if i < 0 || i >= len(values) {
				return 0, false
			}
			return values[i], true
		}

	case len(values) == len(axis):
		return func(row int) (float64, bool) { return values[row], true }
	}

	t.Warnings = append(t.Warnings, fmt.Sprintf(
		"%s: %d values without a frequency axis cannot be aligned to %d measurement frequencies; column left empty",
		name, len(values), len(axis)))
	return func(int) (float64, bool) { return 0, false }
}

func freqKey(f float64) string {
	return strconv.FormatFloat(f, 'f', keyPrecision, 64)
}
