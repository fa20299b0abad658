package events

import (
	"context"
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

// NewPublisher connects to RabbitMQ when configured. Settlement never depends
// on the broker, so connection failures degrade to the fallback.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Info("rabbitmq not configured, settlement events disabled")
		return NewFallback(log)
	}

	producer, err := NewProducer(cfg.RabbitMQURL, log)
	if err != nil {
		log.Warn("rabbitmq unavailable, settlement events disabled", zap.Error(err))
		return NewFallback(log)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			producer.Close()
			return nil
		},
	})
	return producer
}
