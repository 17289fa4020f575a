package monitor

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Attempt=100 would cause 1<<100 to overflow without the shift cap.
	got := backoffDelay(100, 30)
	want := 30 * time.Second
	if got != want {
		t.Errorf("backoffDelay(100, 30) = %v, want %v (capped at max)", got, want)
	}

	got = backoffDelay(31, 60)
	if got <= 0 {
		t.Errorf("backoffDelay(31, 60) = %v, should be positive", got)
	}
	if got > 60*time.Second {
		t.Errorf("backoffDelay(31, 60) = %v, should not exceed 60s", got)
	}
}
