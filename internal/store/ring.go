package store

// ring is a fixed-capacity circular buffer that keeps the most recent
// values. When full, a push overwrites the oldest value. It is not safe for
// concurrent use; callers hold the owning registry's lock.
type ring[T any] struct {
	data  []T
	start int // index of the oldest value
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{data: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.data) {
		r.data[(r.start+r.size)%len(r.data)] = v
		r.size++
		return
	}
	r.data[r.start] = v
	r.start = (r.start + 1) % len(r.data)
}

func (r *ring[T]) len() int { return r.size }

// last returns up to n of the newest values, oldest first.
func (r *ring[T]) last(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.data[(r.start+i)%len(r.data)])
	}
	return out
}
