package migration

import (
	"github.com/smallbiznis/quota/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(runOnStart),
)

func runOnStart(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migration")
	if cfg.DBType != "postgres" {
		log.Warn("embedded migrations target postgres only, skipping", zap.String("type", cfg.DBType))
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	result, err := Up(sqlDB, log)
	if err != nil {
		return err
	}
	if result.Dirty {
		log.Error("schema is dirty, a previous migration failed midway", zap.Uint("version", result.Version))
	}
	return nil
}
