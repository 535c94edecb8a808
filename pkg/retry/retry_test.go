package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBackoffBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		delay := Backoff(initial, maxDelay, attempt)
		if delay < initial/2 {
			t.Fatalf("delay below jitter floor: %v", delay)
		}
		if delay > maxDelay {
			t.Fatalf("delay exceeded max: %v", delay)
		}
	}
}

func TestDoStopsAfterSuccess(t *testing.T) {
	r := New(1, 2, 3, zerolog.Nop())
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked")
		}
		return nil
	}, Transient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	r := New(1, 1, 2, zerolog.Nop())
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return fmt.Errorf("attempt %d failed", attempts)
	}, Transient)
	if err == nil || err.Error() != "attempt 3 failed" {
		t.Fatalf("expected last error, got %v", err)
	}
}

func TestDoSkipsNonRetryable(t *testing.T) {
	r := New(1, 1, 5, zerolog.Nop())
	var attempts int
	_ = r.Do(context.Background(), func(context.Context) error {
		attempts++
		return context.Canceled
	}, Transient)
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestDoHonorsContext(t *testing.T) {
	r := New(1000, 1000, 5, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Do(ctx, func(context.Context) error {
		return errors.New("busy")
	}, Transient)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("retry loop ignored context deadline")
	}
}

func TestTransient(t *testing.T) {
	if Transient(nil) {
		t.Fatal("nil error should not be retryable")
	}
	if Transient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatal("deadline should not be retryable")
	}
	if !Transient(errors.New("generic")) {
		t.Fatal("generic error should be retryable")
	}
}
