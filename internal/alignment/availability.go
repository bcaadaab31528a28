package alignment

import (
	"fmt"
	"slices"
	"strings"
)

// Mode is how a metric is plotted.
type Mode string

const (
	ModeOverlay Mode = "overlay"
	ModeDelta   Mode = "delta"
)

// Modes lists every mode in display order.
var Modes = []Mode{ModeOverlay, ModeDelta}

// Selection is the metric/mode pair a consumer is showing.
type Selection struct {
	Metric Metric
	Mode   Mode
}

// ParseSelection reads the "metric/mode" form, e.g. "spl/delta".
func ParseSelection(s string) (Selection, error) {
	metric, mode, ok := strings.Cut(s, "/")
	if !ok {
		return Selection{}, fmt.Errorf("selection %q: want metric/mode", s)
	}
	sel := Selection{Metric(metric), Mode(mode)}
	if !sel.valid() {
		return Selection{}, fmt.Errorf("selection %q: unknown metric or mode", s)
	}
	return sel, nil
}

func (s Selection) String() string {
	return string(s.Metric) + "/" + string(s.Mode)
}

func (s Selection) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Selection) UnmarshalText(b []byte) error {
	sel, err := ParseSelection(string(b))
	if err != nil {
		return err
	}
	*s = sel
	return nil
}

func (s Selection) valid() bool {
	return slices.Contains(Metrics, s.Metric) && slices.Contains(Modes, s.Mode)
}

// Availability reports which selections have data behind them.
type Availability map[Selection]bool

// Has reports whether sel can be shown.
func (a Availability) Has(sel Selection) bool {
	return a[sel]
}

// ComputeAvailability derives availability for every metric and mode. An
// overlay is available when the measurement or either prediction carries
// the metric; a delta view when either delta does.
func ComputeAvailability(measurement *Trace, result *ComparisonResult) Availability {
	var prediction, calibratedPrediction *Trace
	var delta, calibratedDelta *Delta
	if result != nil {
		prediction, delta = result.Prediction, result.Delta
		if result.Calibrated != nil {
			calibratedPrediction, calibratedDelta = result.Calibrated.Prediction, result.Calibrated.Delta
		}
	}

	av := make(Availability, len(Metrics)*len(Modes))
	for _, m := range Metrics {
		av[Selection{m, ModeOverlay}] = measurement.Series(m) != nil ||
			prediction.Series(m) != nil ||
			calibratedPrediction.Series(m) != nil
		av[Selection{m, ModeDelta}] = delta.Series(m) != nil || calibratedDelta.Series(m) != nil
	}
	return av
}

// Recommend suggests a selection to fall back to when current has no data.
// It keeps current if available, then tries another mode of the same
// metric, then the same mode of another metric, then anything available.
// It reports false when nothing is available. The result is advisory.
func Recommend(current Selection, av Availability) (Selection, bool) {
	if av.Has(current) {
		return current, true
	}
	for _, mode := range Modes {
		if sel := (Selection{current.Metric, mode}); av.Has(sel) {
			return sel, true
		}
	}
	for _, m := range Metrics {
		if sel := (Selection{m, current.Mode}); av.Has(sel) {
			return sel, true
		}
	}
	for _, m := range Metrics {
		for _, mode := range Modes {
			if sel := (Selection{m, mode}); av.Has(sel) {
				return sel, true
			}
		}
	}
	return Selection{}, false
}
