package notifier

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notifier",
	fx.Provide(func(log *zap.Logger) Notifier {
		return NewLogNotifier(log)
	}),
)
