package command

import (
	"github.com/smallbiznis/netcafe/internal/command/repository"
	"github.com/smallbiznis/netcafe/internal/command/service"
	"go.uber.org/fx"
)

var Module = fx.Module("command.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
