package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLockerIsSafe(t *testing.T) {
	var l *Locker
	lease, err := l.Acquire(context.Background(), "k", time.Second)
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, lease.Release(context.Background()))
	assert.ErrorIs(t, lease.Extend(context.Background(), time.Second), ErrLockNotConfigured)
	assert.Nil(t, NewLocker(nil))
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "smsgate:lock:closure:2026-01", LockKey("closure", "2026-01"))
}

func TestNilProviderLimiterAllows(t *testing.T) {
	var l *ProviderLimiter
	res, err := l.Allow(context.Background(), "airtel-http", 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Nil(t, NewProviderLimiter(nil))
}

func TestEvaluateBucketReply(t *testing.T) {
	res := evaluateBucketReply(1, 2500, 2, 3)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
	assert.Zero(t, res.RetryAfter)

	res = evaluateBucketReply(0, 500, 2, 3)
	assert.False(t, res.Allowed)
	assert.Equal(t, 250*time.Millisecond, res.RetryAfter)
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 2*time.Second, defaultBucketTTL(10, 10))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 1))
	assert.Equal(t, 6*time.Second, defaultBucketTTL(1, 3))
}
