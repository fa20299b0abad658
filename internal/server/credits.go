package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/zap"
)

// GetBalance initializes the account on first sight, the way a new session did.
func (s *Server) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()
	id := identityFrom(c)

	balance, err := s.credits.GetBalance(ctx, id.AccountID, id.Email)
	if errors.Is(err, creditdomain.ErrNotInitialized) {
		result, initErr := s.credits.Initialize(ctx, id.AccountID, id.Email, creditdomain.DefaultStartingCredits)
		if initErr != nil {
			AbortWithError(c, initErr)
			return
		}
		logger.FromContext(ctx).Debug("balance requested for new account", zap.Stringer("init", result))
		balance, err = s.credits.GetBalance(ctx, id.AccountID, id.Email)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": balance})
}

func (s *Server) ListCreditHistory(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	id := identityFrom(c)
	resp, err := s.credits.ListUsage(c.Request.Context(), creditdomain.ListUsageRequest{
		AccountID:  id.AccountID,
		Pagination: query,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}
