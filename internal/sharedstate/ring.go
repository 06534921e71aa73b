package sharedstate

// Ring is a bounded buffer that keeps the most recent Cap items. Pushing onto
// a full ring evicts the oldest item. Ring is not safe for concurrent use.
type Ring[T any] struct {
	items []T
	head  int // next write position
	count int
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push adds v as the newest item.
func (r *Ring[T]) Push(v T) {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

// Items returns a newest-first copy.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.items[r.index(i)])
	}
	return out
}

// Update applies fn to the newest item matching match and reports whether
// one was found.
func (r *Ring[T]) Update(match func(T) bool, fn func(*T)) bool {
	for i := 0; i < r.count; i++ {
		idx := r.index(i)
		if match(r.items[idx]) {
			fn(&r.items[idx])
			return true
		}
	}
	return false
}

// Count returns the number of items matching match.
func (r *Ring[T]) Count(match func(T) bool) int {
	n := 0
	for i := 0; i < r.count; i++ {
		if match(r.items[r.index(i)]) {
			n++
		}
	}
	return n
}

// Clear removes every item.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the maximum number of items.
func (r *Ring[T]) Cap() int { return len(r.items) }

// index maps the i-th newest item to its slot.
func (r *Ring[T]) index(i int) int {
	return (r.head - 1 - i + 2*len(r.items)) % len(r.items)
}
