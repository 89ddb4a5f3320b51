package migration

import (
	"strings"

	"github.com/smallbiznis/smsgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(run),
)

func run(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migration")
	if !cfg.DBMigrate {
		return nil
	}
	if !strings.EqualFold(cfg.DBType, "postgres") {
		log.Warn("skipping migrations for non-postgres database", zap.String("db_type", cfg.DBType))
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	res, err := Up(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema ready",
		zap.Uint("version", res.Version),
		zap.Bool("dirty", res.Dirty),
		zap.Bool("changed", res.Changed),
	)
	return nil
}
