package repository

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, accountID, flag string) (*domain.Entitlement, error) {
	var e domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, flag, granted, plan_id, source_order_id, granted_at
		 FROM entitlements
		 WHERE account_id = ? AND flag = ?
		 LIMIT 1`,
		accountID,
		flag,
	).Scan(&e).Error
	if err != nil {
		return nil, err
	}
	if e.AccountID == "" {
		return nil, nil
	}
	return &e, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, e domain.Entitlement) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO entitlements (account_id, flag, granted, plan_id, source_order_id, granted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, flag) DO NOTHING`,
		e.AccountID,
		e.Flag,
		e.Granted,
		e.PlanID,
		e.SourceOrderID,
		e.GrantedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
