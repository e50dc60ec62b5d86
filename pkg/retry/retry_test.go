package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond, Multiplier: 2}, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), FixedInterval(time.Millisecond, 4), func() error {
		calls++
		return boom
	})
	if calls != 4 {
		t.Errorf("Expected 4 attempts, got %d", calls)
	}
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, boom) {
		t.Errorf("Expected exhausted error wrapping boom, got %v", err)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("asset failed")
	err := Do(context.Background(), FixedInterval(time.Millisecond, 10), func() error {
		calls++
		return Permanent(fatal)
	})
	if calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls)
	}
	if err != fatal {
		t.Errorf("Expected unwrapped permanent error, got %v", err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, DefaultConfig(), func() error {
		called = true
		return nil
	})
	if called {
		t.Error("fn should not run after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("provider returned 503"), true},
		{errors.New("provider returned 429"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("provider returned 400"), false},
		{context.Canceled, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
