package phone

import (
	"github.com/smallbiznis/smsgate/internal/phone/service"
	"go.uber.org/fx"
)

var Module = fx.Module("phone.service",
	fx.Provide(service.NewService),
)
