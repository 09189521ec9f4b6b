package client

import (
	"testing"
	"time"
)

func TestExponentialBackoff_Next(t *testing.T) {
	b := &ExponentialBackoff{
		Base:   100 * time.Millisecond,
		Max:    1 * time.Second,
		Factor: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
		{60, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Next(tt.attempt); got != tt.expected {
			t.Errorf("Next(%d) = %v; want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	b := &ExponentialBackoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2.0, Jitter: 0.1}

	for i := 0; i < 100; i++ {
		got := b.Next(0)
		if got < 90*time.Millisecond || got > 110*time.Millisecond {
			t.Fatalf("Next(0) with jitter = %v; want within 10%% of 100ms", got)
		}
	}
}
