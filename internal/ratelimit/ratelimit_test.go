package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = c.now
	return l, c
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	if l.Enabled() {
		t.Fatal("zero config should be unlimited")
	}
	for i := 0; i < 1000; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("unlimited limiter tracked %d buckets", l.Len())
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow #%d within burst: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow past burst = %v, want ErrRateLimited", err)
	}

	// One token per second at 60/min.
	c.advance(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("Allow after refill: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Allow after one refill = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Allow("alice"); err == nil {
		t.Fatal("alice should be limited")
	}
	if err := l.Allow("10.0.0.1"); err != nil {
		t.Fatalf("other key should have its own bucket: %v", err)
	}
}

func TestLimiter_BurstNeverExceeded(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	_ = l.Allow("k")

	c.advance(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("k") == nil {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d after long idle, want burst of 2", allowed)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})

	_ = l.Allow("old")
	c.advance(10 * time.Minute)
	_ = l.Allow("fresh")

	if got := l.Prune(5 * time.Minute); got != 1 {
		t.Errorf("Prune removed %d, want 1", got)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestLimiter_RefillWindow(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 30, BurstSize: 10})
	if got := l.RefillWindow(); got != 20*time.Second {
		t.Errorf("RefillWindow = %v, want 20s", got)
	}
	if got := NewLimiter(Config{}).RefillWindow(); got != 0 {
		t.Errorf("unlimited RefillWindow = %v, want 0", got)
	}
}

func TestLimiter_NilSafe(t *testing.T) {
	var l *Limiter
	if err := l.Allow("k"); err != nil {
		t.Errorf("nil Allow = %v", err)
	}
	if l.Prune(time.Minute) != 0 || l.Len() != 0 {
		t.Error("nil limiter should be empty")
	}
}
