package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

const keyProviderSend = "smsgate:provider:send:%s"

// ProviderLimiter throttles outbound calls per provider code. A nil limiter allows everything.
type ProviderLimiter struct {
	bucket *TokenBucket
}

func NewProviderLimiter(client *redis.Client) *ProviderLimiter {
	if client == nil {
		return nil
	}
	return &ProviderLimiter{bucket: NewTokenBucket(client)}
}

func (l *ProviderLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow consumes one token for providerCode. ratePerSecond <= 0 disables throttling for that provider.
func (l *ProviderLimiter) Allow(ctx context.Context, providerCode string, ratePerSecond float64) (*RateLimitResult, error) {
	if !l.Enabled() || ratePerSecond <= 0 {
		return &RateLimitResult{Allowed: true}, nil
	}
	burst := int(math.Max(1, math.Ceil(ratePerSecond)))
	key := fmt.Sprintf(keyProviderSend, strings.ToLower(strings.TrimSpace(providerCode)))
	return l.bucket.Allow(ctx, key, ratePerSecond, burst)
}
