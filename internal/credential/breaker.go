package credential

import (
	"time"
)

// BreakerState is the circuit state of one credential.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// breaker isolates a failing credential. CLOSED -> OPEN after `threshold`
// consecutive failures inside `window`; OPEN -> HALF_OPEN once `cooldown`
// elapses; a HALF_OPEN success closes the circuit, a HALF_OPEN failure
// re-opens it with a fresh cooldown.
//
// Failures recorded here are transport-level (429, 5xx, timeout) or
// schema-validation failures. "No scores found" is an application result
// and must never be recorded as a failure.
//
// Not goroutine-safe on its own; the owning Credential's lock guards it.
type breaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration

	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
}

func newBreaker(threshold int, window, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     StateClosed,
	}
}

// allow reports whether a call through this credential is permitted,
// transitioning OPEN -> HALF_OPEN when the cooldown has elapsed.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.failures = 0
	b.state = StateClosed
}

func (b *breaker) recordFailure(now time.Time) {
	if b.state == StateHalfOpen {
		b.open(now)
		return
	}
	// A failure outside the sliding window starts a new streak.
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	if b.failures >= b.threshold {
		b.open(now)
	}
}

func (b *breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.lastFailure = now
}

// FailureKind classifies a remote-call outcome for breaker accounting.
type FailureKind int

const (
	// FailureNone is an application-level empty result; not counted.
	FailureNone FailureKind = iota
	// FailureTransport covers 429, 5xx and timeouts.
	FailureTransport
	// FailureSchema covers responses that do not conform to the
	// expected JSON schema.
	FailureSchema
)
