package toolcost

import (
	"github.com/smallbiznis/creditledger/internal/toolcost/domain"
	"github.com/smallbiznis/creditledger/internal/toolcost/repository"
	"github.com/smallbiznis/creditledger/internal/toolcost/service"
	"go.uber.org/fx"
)

var Module = fx.Module("toolcost",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewRegistry),
	fx.Provide(func(r *service.Registry) domain.Registry { return r }),
)
