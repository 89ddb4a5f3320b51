package budget

import (
	"github.com/smallbiznis/smsgate/internal/budget/repository"
	"github.com/smallbiznis/smsgate/internal/budget/service"
	"go.uber.org/fx"
)

var Module = fx.Module("budget.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
