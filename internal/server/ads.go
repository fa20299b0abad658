package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
)

// CreateAdFreeOrder falls back to the catalog's default plan when none is named.
func (s *Server) CreateAdFreeOrder(c *gin.Context) {
	var req createOrderRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	plan := req.Plan
	if plan == "" {
		plan = req.PlanID
	}
	s.createOrder(c, paymentdomain.ProductEntitlement, plan)
}

func (s *Server) GetAdFreeStatus(c *gin.Context) {
	status, err := s.entitlements.Status(c.Request.Context(), identityFrom(c).AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": status})
}

func (s *Server) ListAdFreeHistory(c *gin.Context) {
	s.listPayments(c, paymentdomain.ProductEntitlement)
}
