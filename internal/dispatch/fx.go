package dispatch

import (
	dispatchdomain "github.com/smallbiznis/smsgate/internal/dispatch/domain"
	"github.com/smallbiznis/smsgate/internal/dispatch/queue"
	"github.com/smallbiznis/smsgate/internal/dispatch/repository"
	"github.com/smallbiznis/smsgate/internal/dispatch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatch.pipeline",
	fx.Provide(repository.Provide),
	fx.Provide(queue.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) dispatchdomain.Pipeline { return s }),
	fx.Provide(service.NewWorkerPool),
	fx.Invoke(service.RegisterWorkerPool),
)
