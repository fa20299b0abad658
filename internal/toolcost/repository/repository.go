package repository

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/toolcost/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// ListAll includes deactivated tools so callers can tell them from unknown ones.
func (r *repo) ListAll(ctx context.Context, db *gorm.DB) ([]domain.ToolConfig, error) {
	var tools []domain.ToolConfig
	err := db.WithContext(ctx).
		Order("tool_name ASC").
		Find(&tools).Error
	if err != nil {
		return nil, err
	}
	return tools, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, tool domain.ToolConfig) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tool_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "description", "credit_cost", "is_active", "updated_at"}),
	}).Create(&tool).Error
}
