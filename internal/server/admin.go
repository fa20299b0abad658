package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"go.uber.org/zap"
)

const defaultStuckLimit = 100

func (s *Server) ListAllPayments(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	orders, err := s.payments.ListAllPayments(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": orders})
}

// ListStuckOrders is the operational view of orders that collected money but
// were never settled.
func (s *Server) ListStuckOrders(c *gin.Context) {
	olderThan := s.cfg.Reconcile.GracePeriod
	if raw := strings.TrimSpace(c.Query("older_than")); raw != "" {
		parsed, err := parseDuration(raw)
		if err != nil {
			AbortWithError(c, newValidationError("older_than", "invalid_older_than", "invalid older_than"))
			return
		}
		olderThan = parsed
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	if limit <= 0 {
		limit = defaultStuckLimit
	}

	orders, err := s.payments.ListStuckOrders(c.Request.Context(), olderThan, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": orders})
}

func (s *Server) ReconcileOrder(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := strings.TrimSpace(c.Param("order_id"))
	if orderID == "" {
		AbortWithError(c, newValidationError("order_id", "required", "order_id is required"))
		return
	}

	result, err := s.payments.Reconcile(ctx, orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(ctx).Info("order reconciled by admin",
		zap.String("order_id", orderID),
		zap.String("admin", identityFrom(c).Email),
		zap.Bool("duplicate", result.Duplicate),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"result":    result,
		"duplicate": result.Duplicate,
	}})
}
