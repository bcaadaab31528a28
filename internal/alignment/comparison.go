package alignment

import (
	"errors"
	"math"

	"github.com/tidwall/gjson"
)

var (
	ErrNoMeasurement = errors.New("alignment: no measurement loaded")
	ErrInvalidResult = errors.New("alignment: comparison payload is not an object")
	ErrSuperseded    = errors.New("alignment: measurement replaced during comparison")
)

// Stats holds the finite aggregate error metrics of a comparison, e.g.
// sample_count, spl_rmse_db, spl_bias_db, max_spl_delta_db.
type Stats map[string]float64

// SampleCount returns the number of compared points, or 0 when unknown.
func (s Stats) SampleCount() int {
	return int(s["sample_count"])
}

// FrequencyBand is the band the gateway actually evaluated.
type FrequencyBand struct {
	MinHz float64 `json:"min_hz"`
	MaxHz float64 `json:"max_hz"`
}

// CalibratedRerun is the solver rerun with calibration overrides applied.
type CalibratedRerun struct {
	Inputs     map[string]*float64 `json:"inputs,omitempty"`
	Summary    map[string]any      `json:"summary,omitempty"`
	Prediction *Trace              `json:"prediction,omitempty"`
	Delta      *Delta              `json:"delta,omitempty"`
	Stats      Stats               `json:"stats,omitempty"`
	Diagnosis  map[string]any      `json:"diagnosis,omitempty"`
}

// ComparisonResult is one validated measurement comparison. It is replaced
// wholesale, never patched.
type ComparisonResult struct {
	Summary           map[string]any      `json:"summary,omitempty"`
	Prediction        *Trace              `json:"prediction,omitempty"`
	Delta             *Delta              `json:"delta,omitempty"`
	Stats             Stats               `json:"stats,omitempty"`
	Diagnosis         map[string]any      `json:"diagnosis,omitempty"`
	Calibration       *Calibration        `json:"calibration,omitempty"`
	Overrides         map[string]*float64 `json:"calibration_overrides,omitempty"`
	Calibrated        *CalibratedRerun    `json:"calibrated,omitempty"`
	Band              *FrequencyBand      `json:"frequency_band,omitempty"`
	SmoothingFraction *float64            `json:"smoothing_fraction,omitempty"`
}

// ParseComparison validates a comparison payload. Only a payload that is not
// a JSON object is an error; malformed members are dropped.
func ParseComparison(data []byte) (*ComparisonResult, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidResult
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, ErrInvalidResult
	}

	res := &ComparisonResult{
		Summary:           object(doc.Get("summary")),
		Prediction:        normalizePrediction(doc.Get("prediction")),
		Delta:             normalizeDelta(doc.Get("delta")),
		Stats:             parseStats(doc.Get("stats")),
		Diagnosis:         object(doc.Get("diagnosis")),
		Calibration:       parseCalibration(doc.Get("calibration")),
		Overrides:         nullableNumbers(doc.Get("calibration_overrides")),
		SmoothingFraction: optNum(doc.Get("smoothing_fraction")),
	}

	if band := doc.Get("frequency_band"); band.IsObject() {
		lo, hi := optNum(band.Get("min_hz")), optNum(band.Get("max_hz"))
		if lo != nil && hi != nil {
			res.Band = &FrequencyBand{MinHz: *lo, MaxHz: *hi}
		}
	}

	if cal := doc.Get("calibrated"); cal.IsObject() {
		res.Calibrated = &CalibratedRerun{
			Inputs:     nullableNumbers(cal.Get("inputs")),
			Summary:    object(cal.Get("summary")),
			Prediction: normalizePrediction(cal.Get("prediction")),
			Delta:      normalizeDelta(cal.Get("delta")),
			Stats:      parseStats(cal.Get("stats")),
			Diagnosis:  object(cal.Get("diagnosis")),
		}
	}
	return res, nil
}

func parseStats(v gjson.Result) Stats {
	if !v.IsObject() {
		return nil
	}
	out := Stats{}
	v.ForEach(func(k, val gjson.Result) bool {
		if f := optNum(val); f != nil {
			out[k.String()] = *f
		}
		return true
	})
	return out
}

func object(v gjson.Result) map[string]any {
	m, _ := v.Value().(map[string]any)
	return m
}

// nullableNumbers keeps numeric and explicit null members.
func nullableNumbers(v gjson.Result) map[string]*float64 {
	if !v.IsObject() {
		return nil
	}
	out := make(map[string]*float64)
	v.ForEach(func(k, val gjson.Result) bool {
		switch {
		case val.Type == gjson.Null:
			out[k.String()] = nil
		case optNum(val) != nil:
			out[k.String()] = optNum(val)
		}
		return true
	})
	return out
}

func optNum(v gjson.Result) *float64 {
	if v.Type != gjson.Number || math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
		return nil
	}
	f := v.Num
	return &f
}
