package capture

// Ring is a fixed-capacity FIFO. Pushing into a full ring evicts the oldest
// element. All operations are O(1) except Slice and Last, which copy.
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full.
func (r *Ring[T]) Push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// At returns the i-th oldest element. It panics if i is out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("capture: ring index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Back returns the i-th newest element (0 is the newest).
func (r *Ring[T]) Back(i int) (T, bool) {
	var zero T
	if i < 0 || i >= r.count {
		return zero, false
	}
	return r.At(r.count - 1 - i), true
}

// Slice returns a copy of the contents, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Last returns a copy of the newest n elements, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := r.count - n
	for i := range out {
		out[i] = r.At(start + i)
	}
	return out
}

// Reset drops all elements.
func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.head = 0
	r.count = 0
}
