package alignment

import (
	"math"

	"github.com/tidwall/gjson"
)

// CredibleInterval bounds a posterior at the given confidence.
type CredibleInterval struct {
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence"`
}

// CalibrationParameter is a Gaussian posterior for one correction.
type CalibrationParameter struct {
	Mean                float64           `json:"mean"`
	Variance            float64           `json:"variance"`
	StdDev              float64           `json:"stddev"`
	PriorMean           float64           `json:"prior_mean"`
	PriorVariance       float64           `json:"prior_variance"`
	UpdateWeight        float64           `json:"update_weight"`
	Observation         *float64          `json:"observation,omitempty"`
	ObservationVariance *float64          `json:"observation_variance,omitempty"`
	CredibleInterval    *CredibleInterval `json:"credible_interval,omitempty"`
}

// Calibration bundles the posteriors derived from one comparison.
type Calibration struct {
	LevelTrimDB     *CalibrationParameter `json:"level_trim_db,omitempty"`
	PortLengthScale *CalibrationParameter `json:"port_length_scale,omitempty"`
	LeakageQScale   *CalibrationParameter `json:"leakage_q_scale,omitempty"`
	Notes           []string              `json:"notes,omitempty"`
}

// Normalized fills StdDev from the variance when it was not supplied and
// clamps UpdateWeight into [0, 1].
func (p CalibrationParameter) Normalized(stddevSupplied bool) CalibrationParameter {
	if !stddevSupplied || p.StdDev < 0 {
		p.StdDev = math.Sqrt(math.Max(p.Variance, 0))
	}
	p.UpdateWeight = math.Min(math.Max(p.UpdateWeight, 0), 1)
	return p
}

func parseCalibration(v gjson.Result) *Calibration {
	if !v.IsObject() {
		return nil
	}
	c := &Calibration{
		LevelTrimDB:     parseParameter(v.Get("level_trim_db")),
		PortLengthScale: parseParameter(v.Get("port_length_scale")),
		LeakageQScale:   parseParameter(v.Get("leakage_q_scale")),
	}
	for _, note := range v.Get("notes").Array() {
		if note.Type == gjson.String {
			c.Notes = append(c.Notes, note.String())
		}
	}
	return c
}

// parseParameter requires a finite mean and variance; everything else is
// optional.
func parseParameter(v gjson.Result) *CalibrationParameter {
	if !v.IsObject() {
		return nil
	}
	mean, variance := optNum(v.Get("mean")), optNum(v.Get("variance"))
	if mean == nil || variance == nil {
		return nil
	}

	p := CalibrationParameter{
		Mean:                *mean,
		Variance:            *variance,
		PriorMean:           deref(optNum(v.Get("prior_mean"))),
		PriorVariance:       deref(optNum(v.Get("prior_variance"))),
		UpdateWeight:        deref(optNum(v.Get("update_weight"))),
		Observation:         optNum(v.Get("observation")),
		ObservationVariance: optNum(v.Get("observation_variance")),
	}
	sd := optNum(v.Get("stddev"))
	if sd != nil {
		p.StdDev = *sd
	}

	if ci := v.Get("credible_interval"); ci.IsObject() {
		lo, hi, conf := optNum(ci.Get("lower")), optNum(ci.Get("upper")), optNum(ci.Get("confidence"))
		if lo != nil && hi != nil && conf != nil {
			p.CredibleInterval = &CredibleInterval{Lower: *lo, Upper: *hi, Confidence: *conf}
		}
	}

	p = p.Normalized(sd != nil)
	return &p
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
