package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/couponguard/pkg/retry"
	"github.com/haasonsaas/couponguard/pkg/validation"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// AttemptStore persists validation attempts to the database and keeps the
// table inside its retention period.
type AttemptStore struct {
	db         *gorm.DB
	retrier    *retry.Retrier
	retention  time.Duration
	pruneEvery time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu        sync.Mutex
	lastPrune time.Time
}

func NewAttemptStore(db *gorm.DB, retention, pruneEvery time.Duration, retrier *retry.Retrier, logger zerolog.Logger) *AttemptStore {
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}
	return &AttemptStore{
		db:         db,
		retrier:    retrier,
		retention:  retention,
		pruneEvery: pruneEvery,
		now:        time.Now,
		logger:     logger,
	}
}

var _ validation.Recorder = (*AttemptStore)(nil)

// Record writes one attempt, retrying transient failures.
func (s *AttemptStore) Record(ctx context.Context, a validation.Attempt) error {
	rec := ValidationRecord{
		ID:             uuid.NewString(),
		AttemptKey:     a.Key(),
		CouponCode:     a.CouponCode,
		BundleID:       a.BundleID,
		UserID:         a.UserID,
		IPAddress:      a.IPAddress,
		UserAgent:      a.UserAgent,
		Success:        a.Success,
		FailureReason:  a.FailureReason,
		DiscountAmount: a.DiscountAmount,
		AttemptedAt:    a.Timestamp.UTC(),
	}

	insert := func(ctx context.Context) error {
		return s.db.WithContext(ctx).Create(&rec).Error
	}
	var err error
	if s.retrier != nil {
		err = s.retrier.Do(ctx, insert, retry.Transient)
	} else {
		err = insert(ctx)
	}
	if err != nil {
		return fmt.Errorf("persist validation attempt: %w", err)
	}

	// The attempt is stored at this point, so a failed prune is only logged.
	if s.pruneDue() {
		if _, err := s.Prune(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune validation records")
		}
	}
	return nil
}

func (s *AttemptStore) pruneDue() bool {
	if s.retention <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastPrune) < s.pruneEvery {
		return false
	}
	s.lastPrune = now
	return true
}

// Prune deletes records older than the retention period.
func (s *AttemptStore) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention).UTC()
	res := s.db.WithContext(ctx).Where("attempted_at < ?", cutoff).Delete(&ValidationRecord{})
	return res.RowsAffected, res.Error
}

// History returns the newest persisted attempts for key.
func (s *AttemptStore) History(ctx context.Context, key string, limit int) ([]ValidationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []ValidationRecord
	err := s.db.WithContext(ctx).
		Where("attempt_key = ?", key).
		Order("attempted_at desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}
