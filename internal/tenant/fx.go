package tenant

import (
	"github.com/veltahq/velta/internal/tenant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant.directory",
	fx.Provide(repository.Provide),
)
