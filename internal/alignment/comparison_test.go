package alignment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const comparisonPayload = `{
	"summary": {"fc_hz": 48.2, "qtc": 0.71},
	"prediction": {"frequency_hz": [20, 40, 60], "spl_db": [88, 89, 90], "phase_deg": [1, 2]},
	"delta": {"frequency_hz": [20, 40, 60], "spl_delta_db": [1, 1.5, 2]},
	"stats": {"sample_count": 3, "spl_rmse_db": 1.55, "phase_rmse_deg": null},
	"diagnosis": {"leakage_hint": "lower_q"},
	"calibration": {
		"level_trim_db": {"mean": 1.2, "variance": 0.09, "prior_mean": 0, "prior_variance": 1, "update_weight": 0.9,
			"credible_interval": {"lower": 0.7, "upper": 1.7, "confidence": 0.95}},
		"port_length_scale": null,
		"leakage_q_scale": {"mean": 1.1, "variance": 0.04, "stddev": 0.25, "update_weight": 3},
		"notes": ["level trim raised", 4]
	},
	"calibration_overrides": {"level_trim_db": 1.2, "port_length_m": null, "bad": "x"},
	"frequency_band": {"min_hz": 20, "max_hz": 60},
	"smoothing_fraction": 3.0,
	"calibrated": {
		"inputs": {"drive_voltage_v": 3.2, "leakage_q": 12.5, "port_length_m": null},
		"prediction": {"spl_db": [89, 90, 91]},
		"delta": {"frequency_hz": [20, 40], "spl_delta_db": [0.1, 0.2]},
		"stats": {"sample_count": 3}
	}
}`

func TestParseComparison(t *testing.T) {
	res, err := ParseComparison([]byte(comparisonPayload))
	require.NoError(t, err)

	assert.Equal(t, 48.2, res.Summary["fc_hz"])
	require.NotNil(t, res.Prediction)
	assert.Equal(t, []float64{88, 89, 90}, res.Prediction.SPLdB)
	assert.Nil(t, res.Prediction.PhaseDeg)
	assert.Equal(t, []float64{1, 1.5, 2}, res.Delta.SPLDeltaDB)

	assert.Equal(t, 3, res.Stats.SampleCount())
	assert.NotContains(t, res.Stats, "phase_rmse_deg")
	assert.Equal(t, "lower_q", res.Diagnosis["leakage_hint"])

	require.NotNil(t, res.Calibration)
	level := res.Calibration.LevelTrimDB
	require.NotNil(t, level)
	assert.InDelta(t, 0.3, level.StdDev, 1e-12)
	require.NotNil(t, level.CredibleInterval)
	assert.Equal(t, 0.95, level.CredibleInterval.Confidence)
	assert.Nil(t, res.Calibration.PortLengthScale)
	assert.Equal(t, 0.25, res.Calibration.LeakageQScale.StdDev)
	assert.Equal(t, 1.0, res.Calibration.LeakageQScale.UpdateWeight)
	assert.Equal(t, []string{"level trim raised"}, res.Calibration.Notes)

	require.Contains(t, res.Overrides, "port_length_m")
	assert.Nil(t, res.Overrides["port_length_m"])
	assert.Equal(t, 1.2, *res.Overrides["level_trim_db"])
	assert.NotContains(t, res.Overrides, "bad")

	assert.Equal(t, &FrequencyBand{MinHz: 20, MaxHz: 60}, res.Band)
	assert.Equal(t, 3.0, *res.SmoothingFraction)

	require.NotNil(t, res.Calibrated)
	assert.Nil(t, res.Calibrated.Prediction.FrequencyHz)
	assert.Equal(t, []float64{89, 90, 91}, res.Calibrated.Prediction.SPLdB)
	assert.Equal(t, []float64{0.1, 0.2}, res.Calibrated.Delta.SPLDeltaDB)
	assert.Equal(t, 3.2, *res.Calibrated.Inputs["drive_voltage_v"])
}

func TestParseComparisonRejectsNonObject(t *testing.T) {
	for _, doc := range []string{`[]`, `"ok"`, `{`, ``} {
		_, err := ParseComparison([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidResult, doc)
	}
}

func TestParseComparisonInvalidForeignAxisDropsTrace(t *testing.T) {
	res, err := ParseComparison([]byte(`{"prediction":{"frequency_hz":[60,60],"spl_db":[1,2]}}`))
	require.NoError(t, err)
	assert.Nil(t, res.Prediction)
}

func TestParseComparisonSortsForeignAxis(t *testing.T) {
	res, err := ParseComparison([]byte(`{"delta":{"frequency_hz":[60,20],"spl_delta_db":[1,2]}}`))
	require.NoError(t, err)
	require.NotNil(t, res.Delta)
	assert.Equal(t, []float64{20, 60}, res.Delta.FrequencyHz)
	assert.Equal(t, []float64{2, 1}, res.Delta.SPLDeltaDB)
}

func TestAvailabilityAndRecommend(t *testing.T) {
	measurement := &Trace{FrequencyHz: []float64{20, 40}, SPLdB: []float64{90, 91}}
	res := &ComparisonResult{
		Prediction: &Trace{THDPercent: []float64{1, 2}},
		Delta:      &Delta{SPLDeltaDB: []float64{0.5, 0.6}},
	}

	av := ComputeAvailability(measurement, res)
	assert.True(t, av.Has(Selection{MetricSPL, ModeOverlay}))
	assert.True(t, av.Has(Selection{MetricSPL, ModeDelta}))
	assert.True(t, av.Has(Selection{MetricTHD, ModeOverlay}))
	assert.False(t, av.Has(Selection{MetricTHD, ModeDelta}))
	assert.False(t, av.Has(Selection{MetricPhase, ModeOverlay}))

	tests := []struct {
		name    string
		current Selection
		want    Selection
	}{
		{"available kept", Selection{MetricTHD, ModeOverlay}, Selection{MetricTHD, ModeOverlay}},
		{"same metric other mode", Selection{MetricTHD, ModeDelta}, Selection{MetricTHD, ModeOverlay}},
		{"same mode other metric", Selection{MetricPhase, ModeDelta}, Selection{MetricSPL, ModeDelta}},
		{"unknown falls to first", Selection{"bogus", "bogus"}, Selection{MetricSPL, ModeOverlay}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Recommend(tt.current, av)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := Recommend(Selection{MetricSPL, ModeOverlay}, ComputeAvailability(nil, nil))
	assert.False(t, ok)
}

func TestCalibratedDataCountsTowardAvailability(t *testing.T) {
	res := &ComparisonResult{Calibrated: &CalibratedRerun{
		Prediction: &Trace{PhaseDeg: []float64{1}},
		Delta:      &Delta{ImpedanceDeltaOhm: []float64{0.2}},
	}}
	av := ComputeAvailability(nil, res)
	assert.True(t, av.Has(Selection{MetricPhase, ModeOverlay}))
	assert.True(t, av.Has(Selection{MetricImpedance, ModeDelta}))
	assert.False(t, av.Has(Selection{MetricImpedance, ModeOverlay}))
}

func TestParseSelection(t *testing.T) {
	sel, err := ParseSelection("impedance/delta")
	require.NoError(t, err)
	assert.Equal(t, Selection{MetricImpedance, ModeDelta}, sel)

	_, err = ParseSelection("impedance")
	assert.Error(t, err)
	_, err = ParseSelection("loudness/overlay")
	assert.Error(t, err)
}
