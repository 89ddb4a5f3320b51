package queue

import (
	"context"

	"github.com/smallbiznis/smsgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Provide selects the backend named by DISPATCH_QUEUE.
func Provide(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Queue {
	switch cfg.Dispatch.QueueBackend {
	case config.QueueBackendAMQP:
		q := NewAMQP(cfg.Dispatch.AMQPURL, cfg.Dispatch.QueueName, cfg.Dispatch.Workers*2, log)
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := q.Connect(); err != nil {
					log.Warn("amqp queue not reachable at startup, will retry", zap.Error(err))
				}
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return q.Close()
			},
		})
		return q
	default:
		q := NewMemory(defaultMemoryBuffer)
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return q.Close()
			},
		})
		return q
	}
}
