package subscription

import (
	"go.uber.org/fx"

	"github.com/veltahq/velta/internal/subscription/repository"
	"github.com/veltahq/velta/internal/subscription/service"
)

var Module = fx.Module("subscription",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
