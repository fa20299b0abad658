package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// DefaultCost is charged for tools with no configuration.
const DefaultCost int64 = 1

var (
	ErrInvalidTool     = errors.New("invalid_tool")
	ErrToolUnavailable = errors.New("tool_unavailable")
)

// ToolConfig is a row of the tool price list.
type ToolConfig struct {
	ToolName    string    `gorm:"column:tool_name;primaryKey" json:"tool_name"`
	DisplayName string    `gorm:"column:display_name" json:"display_name"`
	Description string    `gorm:"column:description" json:"description"`
	CreditCost  int64     `gorm:"column:credit_cost" json:"credit_cost"`
	IsActive    bool      `gorm:"column:is_active" json:"is_active"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ToolConfig) TableName() string { return "tool_config" }

type Repository interface {
	ListAll(ctx context.Context, db *gorm.DB) ([]ToolConfig, error)
	Upsert(ctx context.Context, db *gorm.DB, tool ToolConfig) error
}

// Registry resolves per-tool prices from an in-process snapshot of the price
// list. A snapshot is served until it is older than the configured TTL.
type Registry interface {
	Cost(ctx context.Context, tool string) int64
	Info(ctx context.Context, tool string) (ToolConfig, bool)
	List(ctx context.Context) ([]ToolConfig, error)
	IsAvailable(ctx context.Context, tool string) bool
	IsFreeForGuests(tool string) bool
	Upsert(ctx context.Context, tool ToolConfig) error
	Refresh(ctx context.Context) error
	Invalidate()
}
