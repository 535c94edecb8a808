// Package retry runs operations with capped exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

type Retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	logger     zerolog.Logger
}

func New(initialMs, maxMs, maxRetries int, logger zerolog.Logger) *Retrier {
	if initialMs <= 0 {
		initialMs = 50
	}
	if maxMs <= 0 {
		maxMs = initialMs
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// retries, or ctx is done.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := Backoff(r.initial, r.max, attempt)
		r.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying operation")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		attempt++
	}
}

// Backoff doubles initial per attempt, caps at max and keeps a random value in
// the upper half.
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

// Transient treats everything except context cancellation as retryable.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
