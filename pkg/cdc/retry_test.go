package cdc

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{6, 10 * time.Second},
		{0, 1 * time.Second}, // clamped to first attempt
	}

	for _, test := range tests {
		if got := policy.Delay(test.attempt); got != test.expected {
			t.Errorf("Delay(%d) = %v, expected %v", test.attempt, got, test.expected)
		}
	}
}

func TestRetryPolicyWaitHonorsCancellation(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      10 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := policy.Wait(ctx, 1)
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait blocked for %v after cancellation", elapsed)
	}
}
