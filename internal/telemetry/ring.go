package telemetry

// Ring is a fixed-capacity circular buffer. Once full, Append overwrites the
// oldest element.
type Ring[T any] struct {
	items []T
	start int
	size  int
}

// NewRing creates a ring holding at most capacity items. capacity must be > 0.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("telemetry: ring capacity must be positive")
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Len returns the number of stored items.
func (r *Ring[T]) Len() int { return r.size }

// Append adds v, evicting the oldest item when full. It reports whether an
// item was evicted.
func (r *Ring[T]) Append(v T) bool {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return false
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
	return true
}

// At returns the i-th item, oldest first.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("telemetry: ring index out of range")
	}
	return r.items[(r.start+i)%len(r.items)]
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Slice copies the items, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Clear removes every item without releasing storage.
func (r *Ring[T]) Clear() {
	clear(r.items)
	r.start, r.size = 0, 0
}
