package credential

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(3, time.Minute, 30*time.Second)

	for i := 0; i < 2; i++ {
		b.recordFailure(now)
		if b.state != StateClosed {
			t.Fatalf("after %d failures expected CLOSED, got %s", i+1, b.state)
		}
		now = now.Add(time.Second)
	}
	b.recordFailure(now)
	if b.state != StateOpen {
		t.Fatalf("after 3 failures expected OPEN, got %s", b.state)
	}
	if b.allow(now) {
		t.Fatal("OPEN breaker must not allow calls before cooldown")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(3, time.Minute, 30*time.Second)
	for i := 0; i < 3; i++ {
		b.recordFailure(now)
	}

	// Cooldown not elapsed yet.
	if b.allow(now.Add(29 * time.Second)) {
		t.Fatal("breaker allowed a call 1s before cooldown elapsed")
	}

	// Cooldown elapsed: next call probes in HALF_OPEN.
	now = now.Add(30 * time.Second)
	if !b.allow(now) {
		t.Fatal("breaker should allow a probe after cooldown")
	}
	if b.state != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.state)
	}

	// One success closes the circuit and resets the streak.
	b.recordSuccess()
	if b.state != StateClosed || b.failures != 0 {
		t.Fatalf("expected CLOSED with zero failures, got %s/%d", b.state, b.failures)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(3, time.Minute, 30*time.Second)
	for i := 0; i < 3; i++ {
		b.recordFailure(now)
	}

	now = now.Add(30 * time.Second)
	if !b.allow(now) {
		t.Fatal("expected probe allowance")
	}
	b.recordFailure(now)
	if b.state != StateOpen {
		t.Fatalf("HALF_OPEN failure should re-open, got %s", b.state)
	}
	// Fresh cooldown from the re-open.
	if b.allow(now.Add(29 * time.Second)) {
		t.Fatal("re-opened breaker honored a stale cooldown")
	}
	if !b.allow(now.Add(30 * time.Second)) {
		t.Fatal("re-opened breaker should probe after a fresh cooldown")
	}
}

func TestBreakerWindowRestartsStreak(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(3, time.Minute, 30*time.Second)

	b.recordFailure(now)
	b.recordFailure(now.Add(time.Second))
	// Third failure lands outside the window; it starts a new streak.
	b.recordFailure(now.Add(2 * time.Minute))
	if b.state != StateClosed {
		t.Fatalf("failures outside the window must not open the circuit, got %s", b.state)
	}
	if b.failures != 1 {
		t.Fatalf("expected streak of 1 after window reset, got %d", b.failures)
	}
}
