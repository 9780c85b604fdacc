package migration

import (
	auditdomain "github.com/haven-hmis/recordflow/internal/audit/domain"
	"github.com/haven-hmis/recordflow/internal/config"
	recorddomain "github.com/haven-hmis/recordflow/internal/record/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// The versioned migrations are written for postgres; other
			// dialects are developer setups and get the gorm schema.
			return conn.AutoMigrate(&recorddomain.Record{}, &auditdomain.Event{})
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
