package ratelimit

import (
	"testing"
	"time"

	"github.com/promethea/promethea/internal/fault"
)

func TestBurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		if err := l.Allow("u1"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	err := l.Allow("u1")
	if fault.KindOf(err) != fault.KindRateLimited {
		t.Fatalf("want rate_limited, got %v", err)
	}
	if fault.RetryAfter(err) <= 0 {
		t.Error("expected a retry-after hint")
	}
}

func TestUsersAreIsolated(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})

	if err := l.Allow("u1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("u1"); err == nil {
		t.Fatal("u1 should be limited")
	}
	if err := l.Allow("u2"); err != nil {
		t.Errorf("u2 should be unaffected: %v", err)
	}
}

func TestDisabledAllowsEverything(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: false})
	for i := 0; i < 50; i++ {
		if err := l.Allow("u1"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTokensRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 100, BurstSize: 1, Enabled: true})
	if err := l.Allow("u1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("u1"); err == nil {
		t.Fatal("should be empty")
	}
	time.Sleep(20 * time.Millisecond)
	if err := l.Allow("u1"); err != nil {
		t.Errorf("bucket did not refill: %v", err)
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	_ = l.Allow("u1")
	_ = l.Allow("u2")

	if removed := l.Sweep(time.Hour); removed != 0 {
		t.Errorf("fresh buckets swept: %d", removed)
	}
	if removed := l.Sweep(0); removed != 2 {
		t.Errorf("swept %d, want 2", removed)
	}
}
