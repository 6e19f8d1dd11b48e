package chat

// ring is a fixed-size circular buffer of the most recent messages. When
// full it overwrites the oldest entry. Only the owning room goroutine
// touches it, so it carries no lock.
type ring struct {
	buf  []*Message
	head int // next write position
	n    int
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{buf: make([]*Message, capacity)}
}

func (r *ring) push(m *Message) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// items returns the buffered messages oldest first.
func (r *ring) items() []*Message {
	out := make([]*Message, 0, r.n)
	start := (r.head - r.n + len(r.buf)) % max(len(r.buf), 1)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int { return r.n }
