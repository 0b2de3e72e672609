package baseline

// Ring is a fixed-capacity FIFO of float64 that overwrites the oldest value.
type Ring struct {
	buf  []float64
	head int // next write position
	size int
}

// NewRing allocates a ring holding at most capacity values (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest value when full.
func (r *Ring) Push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Len is the number of stored values.
func (r *Ring) Len() int { return r.size }

// Cap is the maximum number of stored values.
func (r *Ring) Cap() int { return len(r.buf) }

// Values copies the stored values, oldest first.
func (r *Ring) Values() []float64 {
	out := make([]float64, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
