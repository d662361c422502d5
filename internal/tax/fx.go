package tax

import (
	"github.com/veltahq/velta/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("tax",
	fx.Provide(func(cfg config.Config) Calculator {
		return NewCalculator(cfg.TaxRate)
	}),
)
