package validation

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTTL            = time.Hour
	DefaultMaxKeys        = 10000
	DefaultEvictBatch     = 1000
	DefaultSweepInterval  = 5 * time.Minute
	DefaultPersistTimeout = 5 * time.Second
)

var errPersistPanic = errors.New("validation: recorder panicked")

type LogConfig struct {
	TTL            time.Duration
	MaxKeys        int
	EvictBatch     int
	SweepInterval  time.Duration
	PersistTimeout time.Duration
}

func (c LogConfig) withDefaults() LogConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = DefaultMaxKeys
	}
	if c.EvictBatch <= 0 {
		c.EvictBatch = DefaultEvictBatch
	}
	if c.EvictBatch > c.MaxKeys {
		c.EvictBatch = c.MaxKeys
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	return c
}

type keyLog struct {
	attempts []Attempt
	elem     *list.Element
}

// Log is the shared attempt log. Keys are evicted in first-insertion order
// when the log grows past MaxKeys, which approximates LRU without tracking
// reads.
type Log struct {
	cfg      LogConfig
	now      func() time.Time
	recorder Recorder
	logger   zerolog.Logger
	onError  func(error)

	mu      sync.RWMutex
	entries map[string]*keyLog
	order   *list.List

	persistMu sync.Mutex
	closed    bool
	pending   sync.WaitGroup
}

type LogOption func(*Log)

func WithRecorder(r Recorder) LogOption {
	return func(l *Log) { l.recorder = r }
}

func WithLogger(logger zerolog.Logger) LogOption {
	return func(l *Log) { l.logger = logger }
}

func WithClock(now func() time.Time) LogOption {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithPersistErrorHook is called for every failed or panicking Recorder call.
func WithPersistErrorHook(fn func(error)) LogOption {
	return func(l *Log) { l.onError = fn }
}

func NewLog(cfg LogConfig, opts ...LogOption) *Log {
	l := &Log{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		logger:  zerolog.Nop(),
		entries: make(map[string]*keyLog),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) Config() LogConfig {
	return l.cfg
}

// Record appends a to its key, trims expired attempts for that key, enforces
// the key cap and hands a to the Recorder in the background.
func (l *Log) Record(a Attempt) {
	now := l.now()
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	key := a.Key()
	cutoff := now.Add(-l.cfg.TTL)

	l.mu.Lock()
	kl, ok := l.entries[key]
	if !ok {
		kl = &keyLog{elem: l.order.PushBack(key)}
		l.entries[key] = kl
	}
	kl.attempts = append(kl.attempts, a)
	kl.attempts = pruneBefore(kl.attempts, cutoff)
	if len(kl.attempts) == 0 {
		l.removeLocked(key)
	}
	if len(l.entries) > l.cfg.MaxKeys {
		evicted := l.evictLocked(l.cfg.EvictBatch)
		l.logger.Debug().Int("evicted", evicted).Int("keys", len(l.entries)).Msg("validation log over capacity")
	}
	l.mu.Unlock()

	l.persist(a)
}

func (l *Log) persist(a Attempt) {
	if l.recorder == nil {
		return
	}
	l.persistMu.Lock()
	if l.closed {
		l.persistMu.Unlock()
		l.logger.Debug().Str("coupon_code", a.CouponCode).Msg("validation log closed, attempt not persisted")
		return
	}
	l.pending.Add(1)
	l.persistMu.Unlock()
	go func() {
		defer l.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error().Interface("panic", r).Str("coupon_code", a.CouponCode).Msg("validation attempt persistence panicked")
				l.reportError(errPersistPanic)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.PersistTimeout)
		defer cancel()
		if err := l.recorder.Record(ctx, a); err != nil {
			l.logger.Warn().Err(err).Str("coupon_code", a.CouponCode).Str("key", a.Key()).Msg("failed to persist validation attempt")
			l.reportError(err)
		}
	}()
}

func (l *Log) reportError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// Wait blocks until every background persistence call has returned. Callers
// that may still be recording concurrently should use Close instead.
func (l *Log) Wait() {
	l.pending.Wait()
}

// Close stops handing new attempts to the Recorder and waits for the pending
// ones. Attempts recorded after Close are still kept in memory.
func (l *Log) Close() {
	l.persistMu.Lock()
	l.closed = true
	l.persistMu.Unlock()
	l.pending.Wait()
}

// Sweep prunes expired attempts across all keys and drops empty keys. It
// returns the number of keys removed.
func (l *Log) Sweep() int {
	cutoff := l.now().Add(-l.cfg.TTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, kl := range l.entries {
		kl.attempts = pruneBefore(kl.attempts, cutoff)
		if len(kl.attempts) == 0 {
			l.removeLocked(key)
			removed++
		}
	}
	return removed
}

func (l *Log) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Debug().Int("removed", removed).Msg("swept validation log")
			}
		}
	}
}

// Attempts returns a copy of the retained attempts for key, oldest first.
func (l *Log) Attempts(key string) []Attempt {
	l.mu.RLock()
	defer l.mu.RUnlock()

	kl, ok := l.entries[key]
	if !ok {
		return nil
	}
	out := make([]Attempt, len(kl.attempts))
	copy(out, kl.attempts)
	return out
}

// Len is the number of keys held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) removeLocked(key string) {
	if kl, ok := l.entries[key]; ok {
		l.order.Remove(kl.elem)
		delete(l.entries, key)
	}
}

func (l *Log) evictLocked(n int) int {
	evicted := 0
	for evicted < n {
		front := l.order.Front()
		if front == nil {
			break
		}
		l.removeLocked(front.Value.(string))
		evicted++
	}
	return evicted
}

// pruneBefore drops attempts older than cutoff, keeping arrival order.
func pruneBefore(attempts []Attempt, cutoff time.Time) []Attempt {
	stale := 0
	for _, a := range attempts {
		if a.Timestamp.Before(cutoff) {
			stale++
		}
	}
	if stale == 0 {
		return attempts
	}
	kept := make([]Attempt, 0, len(attempts)-stale)
	for _, a := range attempts {
		if !a.Timestamp.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	return kept
}
