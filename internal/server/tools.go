package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	toolcostdomain "github.com/smallbiznis/creditledger/internal/toolcost/domain"
)

type chargeResponse struct {
	Tool string `json:"tool"`
	Free bool   `json:"free,omitempty"`
	creditdomain.DeductResult
}

type toolFailureRequest struct {
	Error string `json:"error"`
}

type upsertToolRequest struct {
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	CreditCost  *int64 `json:"credit_cost"`
	IsActive    *bool  `json:"is_active"`
}

func (s *Server) ListTools(c *gin.Context) {
	tools, err := s.tools.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"tools": tools}})
}

// ChargeTool admits one tool invocation. Guest-free tools never touch the
// ledger, even for signed-in callers. Deactivated tools are refused before any
// charge.
func (s *Server) ChargeTool(c *gin.Context) {
	tool := normalizeTool(c.Param("tool"))
	if tool == "" {
		AbortWithError(c, newValidationError("tool", "invalid_tool", "invalid tool"))
		return
	}
	ctx := c.Request.Context()
	if !s.tools.IsAvailable(ctx, tool) {
		AbortWithError(c, toolcostdomain.ErrToolUnavailable)
		return
	}
	if s.tools.IsFreeForGuests(tool) {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": chargeResponse{Tool: tool, Free: true}})
		return
	}

	id := identityFrom(c)
	if id.AccountID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.credits.Deduct(ctx, creditdomain.DeductRequest{
		AccountID: id.AccountID,
		Email:     id.Email,
		Tool:      tool,
		Amount:    s.tools.Cost(ctx, tool),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": chargeResponse{Tool: tool, DeductResult: result}})
}

func (s *Server) LogToolFailure(c *gin.Context) {
	var req toolFailureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	id := identityFrom(c)
	if err := s.credits.LogFailedUsage(c.Request.Context(), id.AccountID, normalizeTool(c.Param("tool")), req.Error); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) UpsertTool(c *gin.Context) {
	var req upsertToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.CreditCost == nil {
		AbortWithError(c, newValidationError("credit_cost", "required", "credit_cost is required"))
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	tool := toolcostdomain.ToolConfig{
		ToolName:    normalizeTool(c.Param("tool")),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Description: strings.TrimSpace(req.Description),
		CreditCost:  *req.CreditCost,
		IsActive:    active,
	}
	if err := s.tools.Upsert(c.Request.Context(), tool); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": tool})
}

func (s *Server) RefreshTools(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.tools.Refresh(ctx); err != nil {
		AbortWithError(c, err)
		return
	}
	s.ListTools(c)
}

func normalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}
