package db

import (
	"context"
	"fmt"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	obslogger "github.com/smallbiznis/smsgate/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(ConfigFromApp),
	fx.Provide(Open),
)

// Open connects with the configured dialect and installs tracing and pool-stat plugins.
func Open(lc fx.Lifecycle, cfg Config, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(obslogger.DefaultGormLoggerConfig(), log),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.Name))); err != nil {
		return nil, fmt.Errorf("install otelgorm: %w", err)
	}
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          cfg.Name,
		RefreshInterval: 15,
	})); err != nil {
		return nil, fmt.Errorf("install gorm prometheus: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	if cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return sqlDB.Close()
			},
		})
	}
	return conn, nil
}
