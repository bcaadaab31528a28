package alignment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrInvalidRequest = errors.New("alignment: invalid comparison request")

// CompareRequest describes one comparison of a measurement against the
// solver's prediction for a driver in a box.
type CompareRequest struct {
	Alignment         string
	Driver            json.RawMessage
	Box               json.RawMessage
	MinFrequencyHz    *float64
	MaxFrequencyHz    *float64
	SmoothingFraction *float64
	ApplyOverrides    bool
	DriveVoltage      *float64
	MicDistanceM      *float64
}

// Validate checks the request before anything is sent.
func (r CompareRequest) Validate() error {
	if r.Alignment != "sealed" && r.Alignment != "vented" {
		return fmt.Errorf("%w: alignment %q", ErrInvalidRequest, r.Alignment)
	}
	if !gjson.ValidBytes(r.Driver) || !gjson.ParseBytes(r.Driver).IsObject() {
		return fmt.Errorf("%w: driver must be a JSON object", ErrInvalidRequest)
	}
	if !gjson.ValidBytes(r.Box) || !gjson.ParseBytes(r.Box).IsObject() {
		return fmt.Errorf("%w: box must be a JSON object", ErrInvalidRequest)
	}
	if r.MinFrequencyHz != nil && r.MaxFrequencyHz != nil && *r.MinFrequencyHz >= *r.MaxFrequencyHz {
		return fmt.Errorf("%w: min frequency must be below max frequency", ErrInvalidRequest)
	}
	for name, v := range map[string]*float64{
		"min_frequency_hz":   r.MinFrequencyHz,
		"max_frequency_hz":   r.MaxFrequencyHz,
		"smoothing_fraction": r.SmoothingFraction,
		"drive_voltage":      r.DriveVoltage,
		"mic_distance_m":     r.MicDistanceM,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidRequest, name)
		}
	}
	return nil
}

// Body assembles the JSON request body for measurement m.
func (r CompareRequest) Body(m *Trace) ([]byte, error) {
	if m == nil {
		return nil, ErrNoMeasurement
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	trace, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode measurement: %w", err)
	}

	body := []byte(`{}`)
	for _, raw := range []struct {
		path  string
		value []byte
	}{
		{"driver", r.Driver},
		{"box", r.Box},
		{"measurement", trace},
	} {
		if body, err = sjson.SetRawBytes(body, raw.path, raw.value); err != nil {
			return nil, fmt.Errorf("set %s: %w", raw.path, err)
		}
	}

	for _, opt := range []struct {
		path  string
		value *float64
	}{
		{"min_frequency_hz", r.MinFrequencyHz},
		{"max_frequency_hz", r.MaxFrequencyHz},
		{"smoothing_fraction", r.SmoothingFraction},
		{"drive_voltage", r.DriveVoltage},
		{"mic_distance_m", r.MicDistanceM},
	} {
		if opt.value == nil {
			continue
		}
		if body, err = sjson.SetBytes(body, opt.path, *opt.value); err != nil {
			return nil, fmt.Errorf("set %s: %w", opt.path, err)
		}
	}

	if body, err = sjson.SetBytes(body, "apply_overrides", r.ApplyOverrides); err != nil {
		return nil, fmt.Errorf("set apply_overrides: %w", err)
	}
	return body, nil
}
