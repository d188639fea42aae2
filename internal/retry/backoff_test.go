package retry

import (
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1600 * time.Millisecond},
	}

	for _, tt := range tests {
		result := ExponentialBackoff(tt.attempt, base)
		if result != tt.expected {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, result, tt.expected)
		}
	}
}

func TestExponentialBackoffClamps(t *testing.T) {
	base := time.Millisecond

	if got, want := ExponentialBackoff(-1, base), base; got != want {
		t.Errorf("negative attempt: got %v, want %v", got, want)
	}
	// Very large attempts cap at the maximum shift instead of overflowing.
	if got, want := ExponentialBackoff(1000, base), base<<maxShift; got != want {
		t.Errorf("large attempt: got %v, want %v", got, want)
	}
}
