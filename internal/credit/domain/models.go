package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// DefaultStartingCredits is granted to a new account when no amount is given.
const DefaultStartingCredits int64 = 10

type Account struct {
	AccountID        string    `gorm:"column:account_id;primaryKey"`
	Email            string    `gorm:"column:email"`
	TotalCredits     int64     `gorm:"column:total_credits"`
	RemainingCredits int64     `gorm:"column:remaining_credits"`
	FreeCredits      int64     `gorm:"column:free_credits"`
	CreatedAt        time.Time `gorm:"column:created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "credit_accounts" }

type UsageStatus string

const (
	UsageStatusSuccess UsageStatus = "success"
	UsageStatusFailed  UsageStatus = "failed"
)

// UsageRecord is an append-only row per attempted tool invocation.
type UsageRecord struct {
	ID              snowflake.ID `gorm:"column:id;primaryKey"`
	AccountID       string       `gorm:"column:account_id"`
	ToolName        string       `gorm:"column:tool_name"`
	CreditsConsumed int64        `gorm:"column:credits_consumed"`
	Status          UsageStatus  `gorm:"column:status"`
	ErrorMessage    *string      `gorm:"column:error_message"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
}

func (UsageRecord) TableName() string { return "tool_usage" }

// InitResult tags the outcome of Initialize.
type InitResult int

const (
	Initialized InitResult = iota + 1
	AlreadyInitialized
)

func (r InitResult) String() string {
	switch r {
	case Initialized:
		return "initialized"
	case AlreadyInitialized:
		return "already_initialized"
	default:
		return "unknown"
	}
}
