package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/couponguard/pkg/retry"
	"github.com/haasonsaas/couponguard/pkg/validation"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAttemptStoreRecord(t *testing.T) {
	env := newTestEnv(t)
	store := env.server.store
	ctx := context.Background()

	err := store.Record(ctx, validation.Attempt{
		CouponCode:     "SAVE10",
		UserID:         "learner-7",
		Success:        true,
		DiscountAmount: decimal.NewNullDecimal(decimal.RequireFromString("4.50")),
		Timestamp:      env.clock.Now(),
	})
	require.NoError(t, err)

	var rec ValidationRecord
	require.NoError(t, env.server.db.First(&rec).Error)
	require.Len(t, rec.ID, 36)
	require.Equal(t, "learner-7", rec.AttemptKey, "falls back to the user when no IP is known")
	require.True(t, rec.DiscountAmount.Valid)
	require.True(t, rec.DiscountAmount.Decimal.Equal(decimal.RequireFromString("4.5")))
	require.True(t, rec.AttemptedAt.Equal(env.clock.Now()))
}

func TestAttemptStorePrunesExpiredRecords(t *testing.T) {
	env := newTestEnv(t)
	store := env.server.store
	ctx := context.Background()
	now := env.clock.Now()

	require.NoError(t, store.Record(ctx, validation.Attempt{CouponCode: "OLD", IPAddress: "a", Timestamp: now.Add(-31 * 24 * time.Hour)}))
	require.NoError(t, store.Record(ctx, validation.Attempt{CouponCode: "NEW", IPAddress: "a", Timestamp: now}))

	pruned, err := store.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	history, err := store.History(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "NEW", history[0].CouponCode)
}

func TestAttemptStorePrunesOnRecordWhenDue(t *testing.T) {
	env := newTestEnv(t)
	store := env.server.store
	ctx := context.Background()
	now := env.clock.Now()

	// The first write prunes; the stale row is written after that.
	require.NoError(t, store.Record(ctx, validation.Attempt{CouponCode: "FIRST", IPAddress: "b", Timestamp: now}))
	require.NoError(t, store.Record(ctx, validation.Attempt{CouponCode: "STALE", IPAddress: "b", Timestamp: now.Add(-40 * 24 * time.Hour)}))

	history, err := store.History(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "prune interval has not elapsed")

	env.clock.Advance(time.Hour)
	require.NoError(t, store.Record(ctx, validation.Attempt{CouponCode: "LATER", IPAddress: "b", Timestamp: env.clock.Now()}))

	history, err = store.History(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "LATER", history[0].CouponCode)
	require.Equal(t, "FIRST", history[1].CouponCode)
}

func TestAttemptStoreReturnsErrorAfterRetries(t *testing.T) {
	env := newTestEnv(t)
	sqlDB, err := env.server.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	store := NewAttemptStore(env.server.db, 0, 0, retry.New(1, 2, 2, zerolog.Nop()), zerolog.Nop())
	err = store.Record(context.Background(), validation.Attempt{CouponCode: "X", IPAddress: "c"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "persist validation attempt")
}

func TestAttemptStoreStopsRetryingWhenContextEnds(t *testing.T) {
	env := newTestEnv(t)
	sqlDB, err := env.server.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewAttemptStore(env.server.db, 0, 0, retry.New(5000, 5000, 5, zerolog.Nop()), zerolog.Nop())
	start := time.Now()
	err = store.Record(ctx, validation.Attempt{CouponCode: "X", IPAddress: "c"})
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestAttemptStoreKeepsAttemptWhenPruneFails(t *testing.T) {
	env := newTestEnv(t)
	db := env.server.db
	require.NoError(t, db.Callback().Delete().Before("gorm:delete").Register("test:fail_delete", func(tx *gorm.DB) {
		_ = tx.AddError(errors.New("database is locked"))
	}))

	var logs bytes.Buffer
	store := NewAttemptStore(db, 30*24*time.Hour, time.Hour, retry.New(1, 2, 2, zerolog.Nop()), zerolog.New(&logs))
	store.now = env.clock.Now

	err := store.Record(context.Background(), validation.Attempt{CouponCode: "KEEP", IPAddress: "d", Timestamp: env.clock.Now()})
	require.NoError(t, err)
	require.Contains(t, logs.String(), "failed to prune validation records")

	history, err := store.History(context.Background(), "d", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
