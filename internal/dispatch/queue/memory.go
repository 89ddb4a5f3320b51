package queue

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryBuffer = 1024

// Memory is an in-process queue. Delayed jobs sit on timers; nothing survives a restart, which the
// stale-attempt sweeper covers.
type Memory struct {
	mu     sync.Mutex
	jobs   chan Job
	done   chan struct{}
	timers map[*time.Timer]struct{}
	closed bool
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{
		jobs:   make(chan Job, buffer),
		done:   make(chan struct{}),
		timers: map[*time.Timer]struct{}{},
	}
}

func (q *Memory) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if delay > 0 {
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, timer)
			q.mu.Unlock()
			select {
			case q.jobs <- job:
			case <-q.done:
			}
		})
		q.timers[timer] = struct{}{}
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Consume(ctx context.Context) (<-chan Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	return q.jobs, nil
}

// Pending reports jobs waiting on a delay timer.
func (q *Memory) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	close(q.done)
	return nil
}
