package alignment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func columnValues(t *testing.T, tbl *Table, name string) []string {
	t.Helper()
	for i, h := range tbl.Header {
		if h == name {
			out := make([]string, len(tbl.Rows))
			for r, row := range tbl.Rows {
				out[r] = row[i]
			}
			return out
		}
	}
	t.Fatalf("column %q not in header %v", name, tbl.Header)
	return nil
}

func TestExportJoinsByFrequencyKey(t *testing.T) {
	measurement := &Trace{FrequencyHz: []float64{20, 40, 60}, SPLdB: []float64{90, 91, 92}}
	res := &ComparisonResult{
		Prediction: &Trace{
			FrequencyHz: []float64{20.0000001, 40, 100},
			SPLdB:       []float64{88, 89, 95},
		},
	}

	tbl, err := BuildExport(measurement, res)
	require.NoError(t, err)

	require.Len(t, tbl.Rows, 3)
	assert.Equal(t, []string{"20", "40", "60"}, columnValues(t, tbl, "frequency_hz"))
	assert.Equal(t, []string{"90", "91", "92"}, columnValues(t, tbl, "measurement_spl_db"))
	assert.Equal(t, []string{"88", "89", ""}, columnValues(t, tbl, "baseline_spl_db"))
	require.Len(t, tbl.Warnings, 1)
	assert.Contains(t, tbl.Warnings[0], "baseline prediction: 1 of 3")
}

func TestExportPositionalOnlyWithoutAxis(t *testing.T) {
	measurement := &Trace{FrequencyHz: []float64{20, 40, 60}}
	res := &ComparisonResult{
		Delta: &Delta{SPLDeltaDB: []float64{1, 2, 3}, PhaseDeltaDeg: []float64{4, 5}},
		Calibrated: &CalibratedRerun{
			Prediction: &Trace{THDPercent: []float64{0.5, 0.6, 0.7}},
		},
	}

	tbl, err := BuildExport(measurement, res)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3"}, columnValues(t, tbl, "baseline_spl_delta_db"))
	assert.Equal(t, []string{"", "", ""}, columnValues(t, tbl, "baseline_phase_delta_deg"))
	assert.Equal(t, []string{"0.5", "0.6", "0.7"}, columnValues(t, tbl, "calibrated_thd_percent"))
	require.Len(t, tbl.Warnings, 1)
	assert.Contains(t, tbl.Warnings[0], "baseline_phase_delta_deg")
}

func TestExportColumnsFollowAvailability(t *testing.T) {
	measurement := &Trace{
		FrequencyHz:   []float64{100},
		ImpedanceReal: []float64{3},
		ImpedanceImag: []float64{4},
	}

	tbl, err := BuildExport(measurement, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"frequency_hz",
		"measurement_impedance_real_ohm",
		"measurement_impedance_imag_ohm",
		"measurement_impedance_mag_ohm",
	}, tbl.Header)
	assert.Equal(t, [][]string{{"100", "3", "4", "5"}}, tbl.Rows)
	assert.Empty(t, tbl.Warnings)
}

func TestExportFullColumnOrder(t *testing.T) {
	axis := []float64{20, 40}
	two := []float64{1, 2}
	measurement := &Trace{FrequencyHz: axis, SPLdB: two, PhaseDeg: two}
	res := &ComparisonResult{
		Prediction: &Trace{FrequencyHz: axis, SPLdB: two},
		Delta:      &Delta{FrequencyHz: axis, SPLDeltaDB: two, THDDeltaPercent: two},
		Calibrated: &CalibratedRerun{
			Prediction: &Trace{FrequencyHz: axis, PhaseDeg: two},
			Delta:      &Delta{FrequencyHz: axis, ImpedanceDeltaOhm: two},
		},
	}

	tbl, err := BuildExport(measurement, res)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"frequency_hz",
		"measurement_spl_db",
		"measurement_phase_deg",
		"baseline_spl_db",
		"baseline_spl_delta_db",
		"baseline_thd_delta_percent",
		"calibrated_phase_deg",
		"calibrated_impedance_delta_ohm",
	}, tbl.Header)
}

func TestExportShortMeasurementSeries(t *testing.T) {
	measurement := &Trace{FrequencyHz: []float64{20, 40, 60}, SPLdB: []float64{90, 91}}

	tbl, err := BuildExport(measurement, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"90", "91", ""}, columnValues(t, tbl, "measurement_spl_db"))
	require.Len(t, tbl.Warnings, 1)
	assert.Contains(t, tbl.Warnings[0], "measurement_spl_db: 2 values for 3")

	s := NewSession(&fakeComparer{}, nil)
	s.SetMeasurement(measurement)
	out, err := s.Export()
	require.NoError(t, err)
	assert.Len(t, out.Rows, 3)
}

func TestExportWithoutMeasurement(t *testing.T) {
	_, err := BuildExport(nil, &ComparisonResult{})
	assert.ErrorIs(t, err, ErrNoMeasurement)
}

func TestWriteCSV(t *testing.T) {
	measurement := &Trace{FrequencyHz: []float64{20, 40.5}, SPLdB: []float64{90.25, 91}}
	res := &ComparisonResult{Prediction: &Trace{FrequencyHz: []float64{20}, SPLdB: []float64{88}}}

	tbl, err := BuildExport(measurement, res)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tbl.WriteCSV(&buf))
	assert.Equal(t,
		"frequency_hz,measurement_spl_db,baseline_spl_db\n"+
			"20,90.25,88\n"+
			"40.5,91,\n",
		buf.String())
}
