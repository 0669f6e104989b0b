package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter() (*Limiter, *time.Time) {
	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

// TestBurstThenDeny verifies that a bucket with capacity 2 and no refill
// admits exactly two requests and denies the third with a positive
// Retry-After.
func TestBurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter()
	lim := Limits{RPS: 0, Burst: 2}

	for i := 0; i < 2; i++ {
		if d := l.Admit("user-1", lim); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d := l.Admit("user-1", lim)
	if d.Allowed {
		t.Fatal("third request should be denied")
	}
	if d.RetryAfterSeconds <= 0 {
		t.Fatalf("RetryAfterSeconds = %d, want > 0", d.RetryAfterSeconds)
	}
}

// TestRefillRestoresAdmission verifies that advancing the clock past the
// refill interval admits a previously denied identity.
func TestRefillRestoresAdmission(t *testing.T) {
	l, now := newTestLimiter()
	lim := Limits{RPS: 1, Burst: 1}

	if d := l.Admit("user-1", lim); !d.Allowed {
		t.Fatal("first request should be allowed")
	}
	d := l.Admit("user-1", lim)
	if d.Allowed {
		t.Fatal("second immediate request should be denied")
	}

	*now = now.Add(time.Duration(d.RetryAfterSeconds) * time.Second)

	if d := l.Admit("user-1", lim); !d.Allowed {
		t.Fatal("request after Retry-After elapsed should be allowed")
	}
}

// TestRefillCappedAtBurst verifies that a long idle period does not
// accumulate more than Burst tokens.
func TestRefillCappedAtBurst(t *testing.T) {
	l, now := newTestLimiter()
	lim := Limits{RPS: 10, Burst: 2}

	l.Admit("user-1", lim) // create the bucket
	*now = now.Add(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Admit("user-1", lim).Allowed {
			allowed++
		}
	}
	// 1 token left after creation + refill to cap of 2.
	if allowed != 2 {
		t.Fatalf("allowed = %d after long idle, want 2", allowed)
	}
}

// TestIdentitiesIsolated verifies that one identity draining its bucket does
// not affect another.
func TestIdentitiesIsolated(t *testing.T) {
	l, _ := newTestLimiter()
	lim := Limits{RPS: 0, Burst: 1}

	if !l.Admit("user-1", lim).Allowed {
		t.Fatal("user-1 first request should be allowed")
	}
	if l.Admit("user-1", lim).Allowed {
		t.Fatal("user-1 second request should be denied")
	}
	if !l.Admit("user-2", lim).Allowed {
		t.Fatal("user-2 must have its own bucket")
	}
}

// TestNoRefillRetryAfterCapped verifies the Retry-After hint is capped when
// the bucket never refills.
func TestNoRefillRetryAfterCapped(t *testing.T) {
	l, _ := newTestLimiter()
	lim := Limits{RPS: 0, Burst: 1}

	l.Admit("user-1", lim)
	d := l.Admit("user-1", lim)
	if d.Allowed {
		t.Fatal("should be denied")
	}
	if d.RetryAfterSeconds != maxRetryAfterSeconds {
		t.Fatalf("RetryAfterSeconds = %d, want cap %d", d.RetryAfterSeconds, maxRetryAfterSeconds)
	}
}

// TestZeroBurstTreatedAsOne verifies that a zero-capacity config still
// admits a single request instead of deadlocking every caller.
func TestZeroBurstTreatedAsOne(t *testing.T) {
	l, _ := newTestLimiter()
	lim := Limits{RPS: 1, Burst: 0}

	if !l.Admit("user-1", lim).Allowed {
		t.Fatal("first request should be allowed with defaulted burst")
	}
	if l.Admit("user-1", lim).Allowed {
		t.Fatal("second request should be denied")
	}
}

// TestSweepEvictsIdleBuckets verifies that buckets idle past the sweep
// horizon are dropped.
func TestSweepEvictsIdleBuckets(t *testing.T) {
	l, now := newTestLimiter()
	lim := Limits{RPS: 10, Burst: 10}

	l.Admit("user-1", lim)
	l.Admit("user-2", lim)
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	*now = now.Add(2 * time.Hour)
	l.Admit("user-3", lim) // triggers the sweep

	if l.Len() != 1 {
		t.Fatalf("Len = %d after sweep, want 1", l.Len())
	}
}
