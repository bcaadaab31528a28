package alignment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeComparer struct {
	body      []byte
	alignment string
	resp      []byte
	err       error
	before    func()
}

func (f *fakeComparer) CompareMeasurement(_ context.Context, alignment string, body []byte) ([]byte, error) {
	f.alignment, f.body = alignment, body
	if f.before != nil {
		f.before()
	}
	return f.resp, f.err
}

func sealedRequest() CompareRequest {
	return CompareRequest{
		Alignment: "sealed",
		Driver:    json.RawMessage(`{"fs_hz":32,"qts":0.38}`),
		Box:       json.RawMessage(`{"volume_l":55}`),
	}
}

func TestSessionCompareFailurePreservesResult(t *testing.T) {
	fake := &fakeComparer{resp: []byte(comparisonPayload)}
	s := NewSession(fake, nil)
	s.SetMeasurement(&Trace{FrequencyHz: []float64{20, 40, 60}, SPLdB: []float64{90, 91, 92}})

	first, err := s.Compare(context.Background(), sealedRequest())
	require.NoError(t, err)

	fake.resp, fake.err = nil, errors.New("status 500")
	_, err = s.Compare(context.Background(), sealedRequest())
	require.Error(t, err)

	v := s.View()
	assert.Same(t, first, v.Result)
	assert.Equal(t, "status 500", v.Error)
	assert.False(t, v.Loading)

	fake.resp, fake.err = []byte(`not json`), nil
	_, err = s.Compare(context.Background(), sealedRequest())
	assert.ErrorIs(t, err, ErrInvalidResult)
	assert.Same(t, first, s.View().Result)
}

func TestSessionSetMeasurementReplacesWholesale(t *testing.T) {
	fake := &fakeComparer{resp: []byte(comparisonPayload)}
	s := NewSession(fake, nil)
	s.SetMeasurement(&Trace{FrequencyHz: []float64{20}})
	_, err := s.Compare(context.Background(), sealedRequest())
	require.NoError(t, err)

	s.SetMeasurement(&Trace{FrequencyHz: []float64{30}})
	v := s.View()
	assert.Nil(t, v.Result)
	assert.Empty(t, v.Error)
	assert.Equal(t, []float64{30}, v.Measurement.FrequencyHz)

	s.Clear()
	assert.Nil(t, s.View().Measurement)
}

func TestSessionDiscardsSupersededResult(t *testing.T) {
	fake := &fakeComparer{resp: []byte(comparisonPayload)}
	s := NewSession(fake, nil)
	s.SetMeasurement(&Trace{FrequencyHz: []float64{20}})
	fake.before = func() { s.SetMeasurement(&Trace{FrequencyHz: []float64{99}}) }

	_, err := s.Compare(context.Background(), sealedRequest())
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Nil(t, s.View().Result)
}

func TestSessionCompareWithoutMeasurement(t *testing.T) {
	s := NewSession(&fakeComparer{}, nil)
	_, err := s.Compare(context.Background(), sealedRequest())
	assert.ErrorIs(t, err, ErrNoMeasurement)
	assert.NotEmpty(t, s.View().Error)
}

func TestSessionViewRecommendsFallback(t *testing.T) {
	s := NewSession(&fakeComparer{}, nil)
	s.SetMeasurement(&Trace{FrequencyHz: []float64{20}, THDPercent: []float64{1}})
	s.Select(Selection{MetricPhase, ModeOverlay})

	v := s.View()
	assert.Equal(t, Selection{MetricPhase, ModeOverlay}, v.Selection)
	require.NotNil(t, v.Recommended)
	assert.Equal(t, Selection{MetricTHD, ModeOverlay}, *v.Recommended)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "phase/overlay", gjson.GetBytes(data, "selection").String())
	assert.True(t, gjson.GetBytes(data, `availability.thd/overlay`).Bool())
}

func TestCompareRequestBody(t *testing.T) {
	lo, hi, smooth := 20.0, 200.0, 6.0
	req := sealedRequest()
	req.Alignment = "vented"
	req.MinFrequencyHz, req.MaxFrequencyHz = &lo, &hi
	req.SmoothingFraction = &smooth
	req.ApplyOverrides = true

	body, err := req.Body(&Trace{FrequencyHz: []float64{20, 40}, SPLdB: []float64{90, 91}})
	require.NoError(t, err)

	doc := gjson.ParseBytes(body)
	assert.Equal(t, 32.0, doc.Get("driver.fs_hz").Float())
	assert.Equal(t, 55.0, doc.Get("box.volume_l").Float())
	assert.Equal(t, `[20,40]`, doc.Get("measurement.frequency_hz").Raw)
	assert.False(t, doc.Get("measurement.phase_deg").Exists())
	assert.Equal(t, 20.0, doc.Get("min_frequency_hz").Float())
	assert.Equal(t, 200.0, doc.Get("max_frequency_hz").Float())
	assert.Equal(t, 6.0, doc.Get("smoothing_fraction").Float())
	assert.True(t, doc.Get("apply_overrides").Bool())
	assert.False(t, doc.Get("drive_voltage").Exists())
}

func TestCompareRequestValidate(t *testing.T) {
	bad := sealedRequest()
	bad.Alignment = "horn"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	bad = sealedRequest()
	bad.Driver = json.RawMessage(`[1]`)
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	lo, hi := 200.0, 20.0
	bad = sealedRequest()
	bad.MinFrequencyHz, bad.MaxFrequencyHz = &lo, &hi
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	neg := -1.0
	bad = sealedRequest()
	bad.MicDistanceM = &neg
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	assert.NoError(t, sealedRequest().Validate())
}
