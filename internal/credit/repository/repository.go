package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	dbutil "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, email, total_credits, remaining_credits, free_credits, created_at, updated_at
		 FROM credit_accounts
		 WHERE account_id = ?
		 LIMIT 1`,
		accountID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.AccountID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account domain.Account) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (
			account_id, email, total_credits, remaining_credits, free_credits, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO NOTHING`,
		account.AccountID,
		account.Email,
		account.TotalCredits,
		account.RemainingCredits,
		account.FreeCredits,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) DebitIfSufficient(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET remaining_credits = remaining_credits - ?, updated_at = ?
		 WHERE account_id = ? AND remaining_credits >= ?`,
		amount,
		now,
		accountID,
		amount,
	)
	if dbutil.IsCheckViolation(res.Error) {
		return false, nil
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Credit(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET remaining_credits = remaining_credits + ?, total_credits = total_credits + ?, updated_at = ?
		 WHERE account_id = ?`,
		amount,
		amount,
		now,
		accountID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertUsage(ctx context.Context, db *gorm.DB, record domain.UsageRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tool_usage (
			id, account_id, tool_name, credits_consumed, status, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.AccountID,
		record.ToolName,
		record.CreditsConsumed,
		record.Status,
		record.ErrorMessage,
		record.CreatedAt,
	).Error
}

func (r *repo) ListUsage(ctx context.Context, db *gorm.DB, accountID string, beforeID int64, limit int) ([]domain.UsageRecord, error) {
	query := db.WithContext(ctx).Model(&domain.UsageRecord{}).Where("account_id = ?", accountID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}

	var records []domain.UsageRecord
	if err := query.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
