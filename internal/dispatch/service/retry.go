package service

import (
	"strings"
	"time"
)

var defaultBackoff = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

// RetryPolicy decides whether a failed provider call is tried again and after how long.
type RetryPolicy struct {
	MaxRetries   int
	Backoff      []time.Duration
	NonRetryable map[string]struct{}
}

func NewRetryPolicy(maxRetries int, nonRetryable []string) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	set := make(map[string]struct{}, len(nonRetryable))
	for _, reason := range nonRetryable {
		reason = strings.ToUpper(strings.TrimSpace(reason))
		if reason != "" {
			set[reason] = struct{}{}
		}
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: defaultBackoff, NonRetryable: set}
}

// Next reports the delay before the following try, given how many tries already ran.
func (p RetryPolicy) Next(tries int, reason string, retryable bool) (time.Duration, bool) {
	if !retryable {
		return 0, false
	}
	if _, blocked := p.NonRetryable[strings.ToUpper(reason)]; blocked {
		return 0, false
	}
	if tries > p.MaxRetries {
		return 0, false
	}
	if len(p.Backoff) == 0 {
		return 0, true
	}
	idx := tries - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx], true
}
