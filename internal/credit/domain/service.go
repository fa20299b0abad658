package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	FindAccount(ctx context.Context, db *gorm.DB, accountID string) (*Account, error)
	InsertAccount(ctx context.Context, db *gorm.DB, account Account) (bool, error)
	// DebitIfSufficient subtracts amount only when the balance covers it.
	DebitIfSufficient(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (bool, error)
	Credit(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (bool, error)
	InsertUsage(ctx context.Context, db *gorm.DB, record UsageRecord) error
	ListUsage(ctx context.Context, db *gorm.DB, accountID string, beforeID int64, limit int) ([]UsageRecord, error)
}

type Balance struct {
	AccountID string `json:"account_id"`
	Total     int64  `json:"total_credits"`
	Remaining int64  `json:"remaining_credits"`
	Free      int64  `json:"free_credits"`
	Unlimited bool   `json:"unlimited"`
}

type DeductRequest struct {
	AccountID string
	Email     string
	Tool      string
	Amount    int64
}

type DeductResult struct {
	UsageID   string `json:"usage_id"`
	Charged   int64  `json:"credits_charged"`
	Remaining int64  `json:"remaining_credits"`
	Unlimited bool   `json:"unlimited"`
}

type ListUsageRequest struct {
	AccountID string
	pagination.Pagination
}

type UsageResponse struct {
	ID              string    `json:"id"`
	ToolName        string    `json:"tool_name"`
	CreditsConsumed int64     `json:"credits_consumed"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type ListUsageResponse struct {
	Usage    []UsageResponse     `json:"usage"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

// DefaultStartingCredits asks Initialize for the configured welcome grant.
const DefaultStartingCredits int64 = -1

// Service is the only writer of account balances.
type Service interface {
	GetBalance(ctx context.Context, accountID, email string) (Balance, error)
	Initialize(ctx context.Context, accountID, email string, startingCredits int64) (InitResult, error)
	Deduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	Add(ctx context.Context, accountID string, amount int64) (Balance, error)
	LogFailedUsage(ctx context.Context, accountID, tool, message string) error
	ListUsage(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
	// WithTx binds the ledger to a caller-owned transaction.
	WithTx(tx *gorm.DB) Service
}
