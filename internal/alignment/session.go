package alignment

import (
	"context"
	"log/slog"
	"sync"
)

// Comparer posts a prepared comparison body to the gateway.
type Comparer interface {
	CompareMeasurement(ctx context.Context, alignment string, body []byte) ([]byte, error)
}

// View is a read-only copy of session state.
type View struct {
	Measurement  *Trace            `json:"measurement,omitempty"`
	Result       *ComparisonResult `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Loading      bool              `json:"loading"`
	Selection    Selection         `json:"selection"`
	Availability Availability      `json:"availability"`
	// Recommended is set when Selection has no data and another
	// selection does.
	Recommended *Selection `json:"recommended,omitempty"`
}

// Session holds one measurement and its latest comparison. Measurement and
// result are replaced wholesale; a failed comparison only sets the error.
type Session struct {
	api Comparer
	log *slog.Logger

	mu          sync.RWMutex
	gen         uint64
	measurement *Trace
	result      *ComparisonResult
	err         string
	loading     bool
	selection   Selection
}

// NewSession creates an empty session.
func NewSession(api Comparer, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		api:       api,
		log:       log.With("component", "alignment"),
		selection: Selection{MetricSPL, ModeOverlay},
	}
}

// SetMeasurement replaces the measurement and drops the previous result.
func (s *Session) SetMeasurement(m *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.measurement = m
	s.result = nil
	s.err = ""
	s.loading = false
}

// Clear drops measurement, result and error.
func (s *Session) Clear() {
	s.SetMeasurement(nil)
}

// Select records the consumer's chosen view. It is kept even when
// unavailable; View reports a recommendation instead.
func (s *Session) Select(sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = sel
}

// Compare runs a comparison for the current measurement. On failure the
// previous result is left untouched and only the error is set. A result
// that arrives after the measurement was replaced is discarded.
func (s *Session) Compare(ctx context.Context, req CompareRequest) (*ComparisonResult, error) {
	s.mu.Lock()
	m, gen := s.measurement, s.gen
	body, err := req.Body(m)
	if err != nil {
		s.err = err.Error()
		s.mu.Unlock()
		return nil, err
	}
	s.loading = true
	s.mu.Unlock()

	data, err := s.api.CompareMeasurement(ctx, req.Alignment, body)
	var res *ComparisonResult
	if err == nil {
		res, err = ParseComparison(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.log.Debug("comparison superseded by new measurement")
		return nil, ErrSuperseded
	}
	s.loading = false
	if err != nil {
		s.err = err.Error()
		s.log.Warn("comparison failed", "alignment", req.Alignment, "error", err)
		return nil, err
	}
	s.result = res
	s.err = ""
	return res, nil
}

// View returns the current state with availability and any fallback
// recommendation.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	av := ComputeAvailability(s.measurement, s.result)
	v := View{
		Measurement:  s.measurement,
		Result:       s.result,
		Error:        s.err,
		Loading:      s.loading,
		Selection:    s.selection,
		Availability: av,
	}
	if !av.Has(s.selection) {
		if rec, ok := Recommend(s.selection, av); ok {
			v.Recommended = &rec
		}
	}
	return v
}

// Export builds the table for the current measurement and result.
func (s *Session) Export() (*Table, error) {
	s.mu.RLock()
	m, res := s.measurement, s.result
	s.mu.RUnlock()

	t, err := BuildExport(m, res)
	if err != nil {
		return nil, err
	}
	for _, w := range t.Warnings {
		s.log.Warn("export alignment", "detail", w)
	}
	return t, nil
}
