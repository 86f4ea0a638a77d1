package backoff

import (
	"testing"
	"time"
)

func TestNextSchedule(t *testing.T) {
	b := New(Policy{Base: time.Second, Max: 4 * time.Second, Multiplier: 2})
	b.rand = func() float64 { return 0 }

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %s, want %s", i, got, w)
		}
	}
}

func TestNextJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 500 * time.Millisecond}

	b := New(p)
	b.rand = func() float64 { return 0 }
	if got := b.Next(); got != time.Second {
		t.Fatalf("zero jitter draw: got %s", got)
	}

	b = New(p)
	b.rand = func() float64 { return 0.999 }
	got := b.Next()
	if got < time.Second || got >= time.Second+500*time.Millisecond {
		t.Fatalf("jitter out of bounds: got %s", got)
	}
}

func TestExhausted(t *testing.T) {
	b := New(Policy{Base: time.Millisecond, Max: time.Millisecond, Multiplier: 2, MaxAttempts: 3})
	for i := 0; i < 3; i++ {
		if b.Exhausted() {
			t.Fatalf("exhausted after %d attempts", i)
		}
		b.Next()
	}
	if !b.Exhausted() {
		t.Fatal("not exhausted after budget spent")
	}

	b.Reset()
	if b.Exhausted() || b.Attempt() != 0 {
		t.Fatal("reset did not clear attempts")
	}
}

func TestUnlimitedAttempts(t *testing.T) {
	b := New(Policy{Base: time.Millisecond, Max: time.Millisecond, Multiplier: 2})
	for i := 0; i < 100; i++ {
		b.Next()
	}
	if b.Exhausted() {
		t.Fatal("unlimited policy reported exhausted")
	}
}
