// Package ring implements a fixed-capacity FIFO over caller-owned storage.
package ring

// Ring is a FIFO queue whose capacity is len(storage). It never allocates
// and never grows. Not safe for concurrent use.
type Ring[T any] struct {
	buf  []T
	head int
	n    int
}

// New returns a ring backed by storage. The ring keeps using the slice; the
// caller must not touch it while the ring is alive.
func New[T any](storage []T) *Ring[T] {
	return &Ring[T]{buf: storage}
}

func (r *Ring[T]) Len() int    { return r.n }
func (r *Ring[T]) Cap() int    { return len(r.buf) }
func (r *Ring[T]) Empty() bool { return r.n == 0 }
func (r *Ring[T]) Full() bool  { return r.n == len(r.buf) }

// Push appends v, reporting false when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	if r.Full() {
		return false
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return true
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[r.head], true
}

// Pop removes and returns the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return v, true
}

// Reset drops every element.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.n = 0, 0
}
