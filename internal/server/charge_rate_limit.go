package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"go.uber.org/zap"
)

// ChargeRateLimit throttles charges per account. Guests are not limited here;
// they can only reach free tools.
func (s *Server) ChargeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.chargeLimiter.Enabled() {
			c.Next()
			return
		}

		id := identityFrom(c)
		if id.AccountID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res := s.chargeLimiter.Allow(ctx, id.AccountID)
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if res.Allowed {
			c.Next()
			return
		}

		logger.FromContext(ctx).Warn("tool charge rate limit exceeded",
			zap.String("tool", normalizeTool(c.Param("tool"))),
		)
		retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		AbortWithError(c, ErrRateLimited)
	}
}
