// Package ratelimit implements per-key fixed-window request limiting.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

const DefaultSweepInterval = time.Minute

var ErrInvalidConfig = errors.New("ratelimit: window and max requests must be positive")

// Config describes a single limiting policy.
type Config struct {
	Window        time.Duration
	MaxRequests   int
	SweepInterval time.Duration
}

func (c Config) validate() error {
	if c.Window <= 0 || c.MaxRequests <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Result is the outcome of a single Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Limiter is satisfied by both the in-memory and the Redis implementation.
type Limiter interface {
	Check(ctx context.Context, key string) Result
}

type entry struct {
	count   int
	resetAt time.Time
}

// Memory is a process-local fixed-window limiter. A window opens on the first
// request seen for a key and closes Window later; bursts of up to twice
// MaxRequests are possible across a window boundary.
type Memory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type Option func(*Memory)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func New(cfg Config, opts ...Option) (*Memory, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	m := &Memory{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the policy the limiter was built with.
func (m *Memory) Config() Config {
	return m.cfg
}

// Check records a request for key and reports whether it fits the window.
func (m *Memory) Check(_ context.Context, key string) Result {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !now.Before(e.resetAt) {
		m.entries[key] = entry{count: 1, resetAt: now.Add(m.cfg.Window)}
		return Result{Allowed: true, Remaining: m.cfg.MaxRequests - 1, ResetIn: m.cfg.Window}
	}

	if e.count >= m.cfg.MaxRequests {
		return Result{Allowed: false, Remaining: 0, ResetIn: e.resetAt.Sub(now)}
	}

	e.count++
	m.entries[key] = e
	return Result{Allowed: true, Remaining: m.cfg.MaxRequests - e.count, ResetIn: e.resetAt.Sub(now)}
}

// Sweep drops every key whose window has already closed and returns how many
// were removed.
func (m *Memory) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if !now.Before(e.resetAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps on SweepInterval until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Len reports the number of keys currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var _ Limiter = (*Memory)(nil)
