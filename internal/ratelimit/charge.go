package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/zap"
)

const keyToolCharge = "charge:account:%s"

// ChargeLimiter throttles tool charges per account. A nil or disabled limiter
// allows everything.
type ChargeLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

func NewChargeLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *ChargeLimiter {
	limit := cfg.RateLimit
	if !limit.Enabled || client == nil || limit.ChargeRate <= 0 || limit.ChargeBurst <= 0 {
		return nil
	}
	return &ChargeLimiter{
		bucket: NewTokenBucket(client),
		rate:   limit.ChargeRate,
		burst:  limit.ChargeBurst,
		log:    log.Named("ratelimit.charge"),
	}
}

func (l *ChargeLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow fails open when Redis errors so an outage never blocks charging.
func (l *ChargeLimiter) Allow(ctx context.Context, accountID string) Result {
	if !l.Enabled() {
		return Result{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyToolCharge, strings.TrimSpace(accountID)), l.rate, l.burst)
	if err != nil {
		l.log.Warn("charge rate limit check failed", zap.Error(err))
		return Result{Allowed: true}
	}
	return res
}
