package invoice

import (
	"github.com/veltahq/velta/internal/invoice/repository"
	"github.com/veltahq/velta/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewSynchronizer),
)
