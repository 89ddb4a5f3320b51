package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "smsgate:lock:"

// Both scripts act only while the caller still owns the key.
const (
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrLockKeyEmpty      = errors.New("lock key is empty")
	ErrLockTTLInvalid    = errors.New("lock ttl must be positive")
	ErrLockHeld          = errors.New("lock held by another owner")
	ErrLockLost          = errors.New("lock no longer owned")
)

// Locker hands out single-owner leases keyed by name. A nil Locker means no cross-process
// coordination is configured.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
	}
}

// Lease is an acquired lock.
type Lease struct {
	locker *Locker
	Key    string
	Token  string
}

// LockKey joins the parts under the service prefix, e.g. LockKey("closure", "2026-01").
func LockKey(parts ...string) string {
	return keyPrefix + strings.Join(parts, ":")
}

// Acquire returns ErrLockHeld when another owner has the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if strings.TrimSpace(key) == "" {
		return nil, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return nil, ErrLockTTLInvalid
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{locker: l, Key: key, Token: token}, nil
}

// Extend pushes the expiry out to ttl from now.
func (le *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	if le == nil || le.locker == nil {
		return ErrLockNotConfigured
	}
	if ttl <= 0 {
		return ErrLockTTLInvalid
	}
	n, err := le.locker.extend.Run(ctx, le.locker.client, []string{le.Key}, le.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release is a no-op when the lease already expired or changed hands.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return nil
	}
	return le.locker.release.Run(ctx, le.locker.client, []string{le.Key}, le.Token).Err()
}
