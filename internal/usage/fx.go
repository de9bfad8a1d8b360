package usage

import (
	"github.com/smallbiznis/billforge/internal/usage/meter"
	"github.com/smallbiznis/billforge/internal/usage/repository"
	"github.com/smallbiznis/billforge/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(meter.NewMeter),
	fx.Invoke(meter.RegisterWorker),
)
