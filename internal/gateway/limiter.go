package gateway

import "time"

// tokenBucket limits inbound chat messages on one connection. Only the
// connection's read loop uses it, so it carries no lock.
type tokenBucket struct {
	rate   float64 // tokens per second; <= 0 disables limiting
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{rate: rate, burst: float64(burst), now: time.Now}
}

func (b *tokenBucket) allow() bool {
	if b.rate <= 0 {
		return true
	}
	now := b.now()
	if b.last.IsZero() {
		b.tokens = b.burst
		b.last = now
	}

	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
