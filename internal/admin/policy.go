package admin

import (
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
)

// Unlimited is the balance reported for admin accounts.
const Unlimited int64 = 999999

// Policy decides whether an account is exempt from credit accounting. The
// same predicate backs deduction and balance reporting.
type Policy interface {
	IsAdmin(email string) bool
}

type catalogPolicy struct {
	catalog *config.CatalogHolder
}

// NewPolicy reads the allow-list from the hot-reloaded catalog on every call.
func NewPolicy(catalog *config.CatalogHolder) Policy {
	return &catalogPolicy{catalog: catalog}
}

func (p *catalogPolicy) IsAdmin(email string) bool {
	if p == nil || p.catalog == nil {
		return false
	}
	return contains(p.catalog.Get().AdminEmails, email)
}

// StaticPolicy is a fixed allow-list.
type StaticPolicy []string

func (s StaticPolicy) IsAdmin(email string) bool {
	return contains(s, email)
}

func contains(list []string, email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, candidate := range list {
		if strings.ToLower(strings.TrimSpace(candidate)) == email {
			return true
		}
	}
	return false
}
