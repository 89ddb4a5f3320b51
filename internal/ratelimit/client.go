package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/smsgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient returns nil when redis is disabled; consumers treat a nil client as "no coordination".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled || strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}
