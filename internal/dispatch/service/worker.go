package service

import (
	"context"
	"errors"
	"sync"

	"github.com/smallbiznis/smsgate/internal/config"
	dispatchdomain "github.com/smallbiznis/smsgate/internal/dispatch/domain"
	"github.com/smallbiznis/smsgate/internal/dispatch/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// WorkerPool drains the dispatch queue with a fixed number of goroutines.
type WorkerPool struct {
	pipeline dispatchdomain.Pipeline
	queue    queue.Queue
	workers  int
	log      *zap.Logger
}

func NewWorkerPool(pipeline dispatchdomain.Pipeline, q queue.Queue, cfg config.Config, log *zap.Logger) *WorkerPool {
	workers := cfg.Dispatch.Workers
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		pipeline: pipeline,
		queue:    q,
		workers:  workers,
		log:      log.Named("dispatch.worker"),
	}
}

// Run blocks until ctx is cancelled or the queue stops delivering.
func (w *WorkerPool) Run(ctx context.Context) error {
	jobs, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					w.handle(ctx, worker, job)
				}
			}
		}(i)
	}
	wg.Wait()
	return nil
}

func (w *WorkerPool) handle(ctx context.Context, worker int, job queue.Job) {
	ctx = job.Context(ctx)
	res, err := w.pipeline.Process(ctx, job.AttemptID)
	if err != nil {
		if errors.Is(err, dispatchdomain.ErrAttemptNotFound) {
			_ = job.Ack()
			return
		}
		// the claim expires and the recovery sweep picks the attempt up again
		w.log.Error("dispatch job failed",
			zap.Int("worker", worker),
			zap.String("attempt_id", job.AttemptID.String()),
			zap.Error(err),
		)
		_ = job.Nack(false)
		return
	}
	if err := job.Ack(); err != nil {
		w.log.Warn("dispatch job ack failed", zap.String("attempt_id", job.AttemptID.String()), zap.Error(err))
	}
	w.log.Debug("dispatch job processed",
		zap.Int("worker", worker),
		zap.String("attempt_id", job.AttemptID.String()),
		zap.String("status", string(res.Status)),
	)
}

func RegisterWorkerPool(lc fx.Lifecycle, pool *WorkerPool) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := pool.Run(runCtx); err != nil {
					pool.log.Error("dispatch worker pool stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
