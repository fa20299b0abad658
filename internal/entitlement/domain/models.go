package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// FlagAdFree is the only entitlement sold today.
const FlagAdFree = "ad_free"

var (
	ErrInvalidAccount = errors.New("invalid_account")
	ErrInvalidGrant   = errors.New("invalid_grant")
)

type Entitlement struct {
	AccountID     string    `gorm:"column:account_id;primaryKey"`
	Flag          string    `gorm:"column:flag;primaryKey"`
	Granted       bool      `gorm:"column:granted"`
	PlanID        string    `gorm:"column:plan_id"`
	SourceOrderID string    `gorm:"column:source_order_id"`
	GrantedAt     time.Time `gorm:"column:granted_at"`
}

func (Entitlement) TableName() string { return "entitlements" }

type Status struct {
	AccountID     string     `json:"account_id"`
	AdFree        bool       `json:"ad_free"`
	PlanID        string     `json:"plan_id,omitempty"`
	SourceOrderID string     `json:"order_id,omitempty"`
	GrantedAt     *time.Time `json:"purchased_at,omitempty"`
}

type GrantRequest struct {
	AccountID     string
	Flag          string
	PlanID        string
	SourceOrderID string
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, accountID, flag string) (*Entitlement, error)
	// Insert keeps the first grant; repeated grants are no-ops.
	Insert(ctx context.Context, db *gorm.DB, e Entitlement) (bool, error)
}

type Service interface {
	Grant(ctx context.Context, req GrantRequest) (Status, error)
	Status(ctx context.Context, accountID string) (Status, error)
	WithTx(tx *gorm.DB) Service
}
