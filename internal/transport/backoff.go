package transport

import (
	"math"
	"time"
)

// Backoff is an exponential reconnect schedule.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DefaultBackoff waits 1s, growing 1.7x per consecutive failure up to 10s.
var DefaultBackoff = Backoff{Base: time.Second, Factor: 1.7, Max: 10 * time.Second}

// Delay returns the wait before the reconnect that follows n consecutive
// failures since the last successful open: min(Max, Base*Factor^n).
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	if n < 0 {
		n = 0
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(n))
	if d >= float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoff.Factor
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}
