package protocol

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func pack(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDecodeIteration(t *testing.T) {
	frame := pack(t, map[string]any{
		"type":     "ITERATION",
		"iter":     7,
		"loss":     0.25,
		"gradNorm": float32(1.5),
		"topology": "sealed",
		"metrics":  map[string]any{"spl": 101.5, "bad": "x"},
	})

	msg, err := Decode(frame)
	require.NoError(t, err)

	it, ok := msg.(Iteration)
	require.True(t, ok)
	require.NotNil(t, it.Iter)
	assert.Equal(t, 7, *it.Iter)
	assert.Equal(t, 0.25, *it.Loss)
	assert.Equal(t, 1.5, *it.GradNorm)
	assert.Equal(t, "sealed", it.Topology)
	assert.Nil(t, it.Timestamp)
	assert.Equal(t, map[string]float64{"spl": 101.5}, it.Metrics)
}

func TestDecodeIterationDropsBadOptionalFields(t *testing.T) {
	frame := pack(t, map[string]any{
		"type": "ITERATION",
		"iter": -3,
		"loss": math.Inf(1),
	})

	msg, err := Decode(frame)
	require.NoError(t, err)

	it := msg.(Iteration)
	assert.Nil(t, it.Iter)
	assert.Nil(t, it.Loss)
}

func TestDecodeRejectsMissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		frame map[string]any
	}{
		{"topology switch without to", map[string]any{"type": "TOPOLOGY_SWITCH", "from": "sealed"}},
		{"violation without constraint", map[string]any{"type": "CONSTRAINT_VIOLATION"}},
		{"heartbeat without at", map[string]any{"type": "HEARTBEAT"}},
		{"heartbeat with string at", map[string]any{"type": "HEARTBEAT", "at": "now"}},
		{"no type", map[string]any{"iter": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(pack(t, tt.frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(pack(t, map[string]any{"type": "SOLVER_PANIC"}))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xc1, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeJSON([]byte(`[1,2,3]`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeJSON([]byte(`null`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeConstraintViolationLocation(t *testing.T) {
	packed := make([]byte, 16)
	binary.LittleEndian.PutUint64(packed, math.Float64bits(0.1))
	binary.LittleEndian.PutUint64(packed[8:], math.Float64bits(0.2))

	msg, err := Decode(pack(t, map[string]any{
		"type":       "CONSTRAINT_VIOLATION",
		"constraint": "port_velocity",
		"severity":   "warning",
		"location":   map[string]any{"label": "port", "coords": packed},
	}))
	require.NoError(t, err)

	cv := msg.(ConstraintViolation)
	assert.Equal(t, "port_velocity", cv.Constraint)
	assert.Equal(t, "warning", cv.Severity)
	require.NotNil(t, cv.Location)
	assert.Equal(t, "port", cv.Location.Label)
	assert.Equal(t, []float64{0.1, 0.2}, cv.Location.Coords)
}

func TestDecodeJSONConvergence(t *testing.T) {
	msg, err := DecodeJSON([]byte(`{"type":"CONVERGENCE","converged":true,"iterations":40,"finalLoss":0.01,"solution":{"alignment":"vented"}}`))
	require.NoError(t, err)

	c := msg.(Convergence)
	require.NotNil(t, c.Converged)
	assert.True(t, *c.Converged)
	assert.Equal(t, 40, *c.Iterations)
	assert.Equal(t, 0.01, *c.FinalLoss)
	assert.Nil(t, c.CPUTime)
	assert.Equal(t, "vented", c.Solution["alignment"])
}

func TestMarshalRoundTrip(t *testing.T) {
	iter := 3
	loss := 0.5
	msgs := []Message{
		Iteration{Iter: &iter, Loss: &loss, Metrics: map[string]float64{"spl": 99}},
		TopologySwitch{From: "sealed", To: "vented"},
		ConstraintViolation{Constraint: "volume", Location: &Location{Coords: []float64{1, 2}}},
		Heartbeat{At: 1700000000.5},
	}
	for _, m := range msgs {
		b, err := Marshal(m)
		require.NoError(t, err)
		got, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, m, got)

		j, err := EncodeJSON(m)
		require.NoError(t, err)
		got, err = DecodeJSON(j)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestNumbers(t *testing.T) {
	assert.Equal(t, []float64{1, 2.5}, Numbers([]any{int8(1), 2.5}))
	assert.Equal(t, []float64{1, 2}, Numbers([]float32{1, 2}))
	assert.Equal(t, []float64{4}, Numbers([]int64{4}))
	assert.Nil(t, Numbers([]any{1, "two"}))
	assert.Nil(t, Numbers([]float64{1, math.NaN()}))
	assert.Nil(t, Numbers([]byte{1, 2, 3}))
	assert.Nil(t, Numbers("nope"))
}
