package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Identity is asserted by the upstream auth proxy.
const (
	HeaderAccountID    = "X-Account-Id"
	HeaderAccountEmail = "X-Account-Email"

	contextAccountIDKey = "account_id"
	contextEmailKey     = "account_email"
)

type identity struct {
	AccountID string
	Email     string
}

func (s *Server) Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(contextAccountIDKey, strings.TrimSpace(c.GetHeader(HeaderAccountID)))
		c.Set(contextEmailKey, strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderAccountEmail))))
		c.Next()
	}
}

func (s *Server) RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if identityFrom(c).AccountID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// RequireAdmin consults the same allow-list the ledger uses.
func (s *Server) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identityFrom(c)
		if id.AccountID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.admin == nil || !s.admin.IsAdmin(id.Email) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) identity {
	return identity{
		AccountID: c.GetString(contextAccountIDKey),
		Email:     c.GetString(contextEmailKey),
	}
}
