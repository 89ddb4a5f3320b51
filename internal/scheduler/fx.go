package scheduler

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(RegisterScheduler),
)

func RegisterScheduler(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
