package conn

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 10)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	for i, expected := range want {
		delay, ok := b.Next()
		if !ok {
			t.Fatalf("failure %d: budget exhausted too early", i+1)
		}
		if delay != expected {
			t.Fatalf("failure %d: expected delay %v, got %v", i+1, expected, delay)
		}
	}

	// The tenth consecutive failure exhausts the budget.
	if _, ok := b.Next(); ok {
		t.Fatal("expected the tenth failure to exhaust the budget")
	}
	if b.Attempts() != 10 {
		t.Fatalf("expected 10 recorded failures, got %d", b.Attempts())
	}
}

func TestBackoffResetRestartsSchedule(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 10)

	for i := 0; i < 4; i++ {
		if _, ok := b.Next(); !ok {
			t.Fatalf("unexpected exhaustion at failure %d", i+1)
		}
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Fatalf("expected attempts to reset to 0, got %d", b.Attempts())
	}

	delay, ok := b.Next()
	if !ok {
		t.Fatal("expected retry budget after reset")
	}
	if delay != time.Second {
		t.Fatalf("expected base delay after reset, got %v", delay)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second, 20)

	var last time.Duration
	for i := 0; i < 10; i++ {
		delay, ok := b.Next()
		if !ok {
			t.Fatalf("unexpected exhaustion at failure %d", i+1)
		}
		last = delay
	}
	if last != 5*time.Second {
		t.Fatalf("expected delay capped at 5s, got %v", last)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0, 0)
	delay, ok := b.Next()
	if !ok || delay != time.Second {
		t.Fatalf("expected 1s default base delay, got %v ok=%v", delay, ok)
	}
}
