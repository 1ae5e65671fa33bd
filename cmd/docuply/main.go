package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/docuply/backend/internal/billing"
	"github.com/docuply/backend/internal/clock"
	"github.com/docuply/backend/internal/config"
	"github.com/docuply/backend/internal/migration"
	"github.com/docuply/backend/internal/observability"
	"github.com/docuply/backend/internal/organization"
	"github.com/docuply/backend/internal/scheduler"
	"github.com/docuply/backend/internal/server"
	"github.com/docuply/backend/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		organization.Module,
		billing.Module,
		scheduler.Module,
		server.Module,
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
