package credential

import (
	"testing"
	"time"
)

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := newTokenBucket(2, 3) // capacity 6, refill 2/s

	if b.tokens != 6 {
		t.Fatalf("expected full bucket of 6, got %v", b.tokens)
	}

	// A long idle period must not overfill.
	now = now.Add(time.Hour)
	b.advance(now)
	if b.tokens > 6 {
		t.Fatalf("bucket overfilled to %v", b.tokens)
	}
}

func TestTokenBucketNeverGoesNegative(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := newTokenBucket(1, 2) // capacity 2

	got := 0
	for i := 0; i < 10; i++ {
		if b.tryAcquire(now) {
			got++
		}
	}
	if got != 2 {
		t.Fatalf("expected 2 grants from a capacity-2 bucket, got %d", got)
	}
	if b.tokens < 0 {
		t.Fatalf("bucket went negative: %v", b.tokens)
	}
}

func TestTokenBucketContinuousRefill(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := newTokenBucket(2, 1) // capacity 2, refill 2/s

	if !b.tryAcquire(now) || !b.tryAcquire(now) {
		t.Fatal("burst of 2 should be granted")
	}
	if b.tryAcquire(now) {
		t.Fatal("third immediate acquire should fail")
	}

	// Half a second refills one token at 2 qps.
	now = now.Add(500 * time.Millisecond)
	if !b.tryAcquire(now) {
		t.Fatal("expected one token after 500ms at 2 qps")
	}
	if b.tryAcquire(now) {
		t.Fatal("second token should not be available yet")
	}
}
