package credential

import (
	"time"
)

// tokenBucket is a continuous-refill token bucket. Capacity is
// qps * burst, refill rate is qps tokens/second, computed lazily from the
// time elapsed since the last acquisition — no background ticker.
//
// Not goroutine-safe on its own; the owning Credential's lock guards it.
type tokenBucket struct {
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time
}

func newTokenBucket(qps, burst float64) *tokenBucket {
	cap := qps * burst
	return &tokenBucket{
		capacity: cap,
		refill:   qps,
		tokens:   cap, // start full
	}
}

func (b *tokenBucket) advance(now time.Time) {
	if b.last.IsZero() {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// tryAcquire takes one token if available. Never blocks.
func (b *tokenBucket) tryAcquire(now time.Time) bool {
	b.advance(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// available reports whether a token could be acquired right now without
// consuming one.
func (b *tokenBucket) available(now time.Time) bool {
	b.advance(now)
	return b.tokens >= 1
}
