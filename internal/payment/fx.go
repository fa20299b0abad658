package payment

import (
	"github.com/smallbiznis/creditledger/internal/payment/adapters/razorpay"
	"github.com/smallbiznis/creditledger/internal/payment/repository"
	"github.com/smallbiznis/creditledger/internal/payment/service"
	"github.com/smallbiznis/creditledger/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(razorpay.NewGateway),
	fx.Provide(service.NewService),
	fx.Provide(webhook.NewService),
)
