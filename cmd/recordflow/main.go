package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/haven-hmis/recordflow/internal/audit"
	"github.com/haven-hmis/recordflow/internal/clock"
	"github.com/haven-hmis/recordflow/internal/config"
	"github.com/haven-hmis/recordflow/internal/logger"
	"github.com/haven-hmis/recordflow/internal/migration"
	"github.com/haven-hmis/recordflow/internal/observability"
	"github.com/haven-hmis/recordflow/internal/record"
	"github.com/haven-hmis/recordflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Functional domains
		audit.Module,
		record.Module,
		migration.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
