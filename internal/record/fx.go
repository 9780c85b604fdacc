package record

import (
	"github.com/haven-hmis/recordflow/internal/record/conflict"
	"github.com/haven-hmis/recordflow/internal/record/repository"
	"github.com/haven-hmis/recordflow/internal/record/service"
	"github.com/haven-hmis/recordflow/internal/record/validation"
	"go.uber.org/fx"
)

var Module = fx.Module("record.service",
	fx.Provide(
		repository.Provide,
		validation.DefaultRegistry,
		validation.NewEngine,
		conflict.New,
		service.NewService,
	),
)
