package pool

// ring is a fixed-capacity FIFO that overwrites its oldest element once full.
// It is not safe for concurrent use; owners guard it with their own mutex.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends v, evicting the oldest element when full
func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) capacity() int { return len(r.buf) }

// slice copies the contents oldest first
func (r *ring[T]) slice() []T {
	out := make([]T, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
