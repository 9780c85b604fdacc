package audit

import (
	"github.com/haven-hmis/recordflow/internal/audit/repository"
	"github.com/haven-hmis/recordflow/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
