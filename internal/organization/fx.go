package organization

import (
	"github.com/docuply/backend/internal/organization/repository"
	"github.com/docuply/backend/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
