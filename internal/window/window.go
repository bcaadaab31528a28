// Package window provides a fixed-capacity rolling buffer.
package window

// Window keeps the most recent Cap() values. Pushing onto a full window
// evicts the oldest value. The zero value is not usable; call New.
type Window[T any] struct {
	buf   []T
	start int
	n     int
}

// New creates a window holding at most capacity values. A capacity below 1
// is treated as 1.
func New[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest value when full. Reports whether an
// eviction happened.
func (w *Window[T]) Push(v T) bool {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = v
		w.n++
		return false
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
	return true
}

// Len returns the number of stored values.
func (w *Window[T]) Len() int { return w.n }

// Cap returns the maximum number of stored values.
func (w *Window[T]) Cap() int { return len(w.buf) }

// At returns the i-th value, oldest first. It panics if i is out of range.
func (w *Window[T]) At(i int) T {
	if i < 0 || i >= w.n {
		panic("window: index out of range")
	}
	return w.buf[(w.start+i)%len(w.buf)]
}

// Last returns the newest value.
func (w *Window[T]) Last() (T, bool) {
	if w.n == 0 {
		var zero T
		return zero, false
	}
	return w.At(w.n - 1), true
}

// Slice copies the contents, oldest first.
func (w *Window[T]) Slice() []T {
	out := make([]T, w.n)
	for i := range w.n {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Reset empties the window without reallocating.
func (w *Window[T]) Reset() {
	var zero T
	for i := range w.buf {
		w.buf[i] = zero
	}
	w.start = 0
	w.n = 0
}
