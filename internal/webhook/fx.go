package webhook

import (
	"github.com/smallbiznis/smsgate/internal/events"
	webhookdomain "github.com/smallbiznis/smsgate/internal/webhook/domain"
	"github.com/smallbiznis/smsgate/internal/webhook/repository"
	"github.com/smallbiznis/smsgate/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.notifier",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) webhookdomain.Service { return s }),
	fx.Provide(func(s *service.Service) events.Publisher { return s }),
	fx.Provide(service.NewWorker),
	fx.Invoke(service.RegisterWorker),
)
