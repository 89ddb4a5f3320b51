package service

import (
	"context"
	"time"

	"github.com/smallbiznis/smsgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Worker polls for due deliveries between scheduler sweeps.
type Worker struct {
	svc      *Service
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewWorker(svc *Service, cfg config.Config, log *zap.Logger) *Worker {
	interval := cfg.Webhook.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.Webhook.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Worker{
		svc:      svc,
		interval: interval,
		batch:    batch,
		log:      log.Named("webhook.worker"),
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.svc.DeliverDue(ctx, w.batch)
			if err != nil {
				w.log.Error("webhook poll failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.log.Debug("webhook poll", zap.Int("attempted", n))
			}
		}
	}
}

func RegisterWorker(lc fx.Lifecycle, w *Worker) {
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
				w.Run(runCtx)
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
