package provider

import (
	"github.com/smallbiznis/smsgate/internal/provider/adapter"
	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"github.com/smallbiznis/smsgate/internal/provider/repository"
	"github.com/smallbiznis/smsgate/internal/provider/resolver"
	"github.com/smallbiznis/smsgate/internal/provider/service"
	"go.uber.org/fx"
)

var Module = fx.Module("provider.service",
	fx.Provide(repository.Provide),
	fx.Provide(resolver.ProvideSealer),
	fx.Provide(resolver.Provide),
	fx.Provide(adapter.NewDefaultRegistry),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) providerdomain.Router { return s }),
	fx.Provide(func(s *service.Service) providerdomain.Admin { return s }),
)
