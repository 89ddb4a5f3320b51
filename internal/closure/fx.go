package closure

import (
	"github.com/smallbiznis/smsgate/internal/closure/repository"
	"github.com/smallbiznis/smsgate/internal/closure/service"
	"go.uber.org/fx"
)

var Module = fx.Module("closure.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
