package broadcast

import "go.uber.org/fx"

var Module = fx.Module("broadcast",
	fx.Provide(NewHub),
	fx.Provide(New),
)
