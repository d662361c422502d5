package apikey

import "go.uber.org/fx"

var Module = fx.Module("apikey.provisioner",
	fx.Provide(New),
)
