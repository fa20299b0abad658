package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/payment/domain"
	dbutil "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

const orderColumns = `order_id, account_id, product_kind, plan_id, credits, amount, currency, receipt,
	status, payment_id, failure_reason, client_ip, user_agent,
	created_at, updated_at, verified_at, settled_at`

const paymentColumns = `payment_id, order_id, account_id, signature, amount, currency, credits,
	status, source, error_message, completed_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order domain.Order) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO payment_orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID,
		order.AccountID,
		order.ProductKind,
		order.PlanID,
		order.Credits,
		order.Amount,
		order.Currency,
		order.Receipt,
		order.Status,
		order.PaymentID,
		order.FailureReason,
		order.ClientIP,
		order.UserAgent,
		order.CreatedAt,
		order.UpdatedAt,
		order.VerifiedAt,
		order.SettledAt,
	).Error
	if dbutil.IsDuplicateKeyErr(err) {
		return domain.ErrOrderConflict
	}
	return err
}

func (r *repo) FindOrder(ctx context.Context, db *gorm.DB, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM payment_orders
		 WHERE order_id = ?
		 LIMIT 1`,
		orderID,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.OrderID == "" {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) MarkVerified(ctx context.Context, db *gorm.DB, orderID, paymentID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET status = ?, payment_id = ?, verified_at = COALESCE(verified_at, ?), updated_at = ?
		 WHERE order_id = ?
		   AND status IN (?, ?)
		   AND (payment_id IS NULL OR payment_id = ?)`,
		domain.OrderStatusVerified,
		paymentID,
		now,
		now,
		orderID,
		domain.OrderStatusCreated,
		domain.OrderStatusVerified,
		paymentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkSettled(ctx context.Context, db *gorm.DB, orderID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET status = ?, settled_at = ?, updated_at = ?
		 WHERE order_id = ? AND status = ?`,
		domain.OrderStatusSettled,
		now,
		now,
		orderID,
		domain.OrderStatusVerified,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, orderID, reason string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_orders
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE order_id = ? AND status IN (?, ?)`,
		domain.OrderStatusFailed,
		reason,
		now,
		orderID,
		domain.OrderStatusCreated,
		domain.OrderStatusVerified,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListOrders(ctx context.Context, db *gorm.DB, filter domain.OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE 1 = 1`
	args := []any{}
	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.ProductKind != "" {
		query += ` AND product_kind = ?`
		args = append(args, filter.ProductKind)
	}
	query += ` ORDER BY created_at DESC, order_id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var items []domain.Order
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListStuckOrders(ctx context.Context, db *gorm.DB, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	var items []domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM payment_orders
		 WHERE (status = ? AND updated_at < ?)
		    OR (status = ? AND EXISTS (
		        SELECT 1 FROM payment_records pr
		        WHERE pr.order_id = payment_orders.order_id AND pr.status = ?))
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		domain.OrderStatusVerified,
		updatedBefore,
		domain.OrderStatusFailed,
		domain.PaymentStatusCapturedOnFailed,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, paymentID string) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payment_records
		 WHERE payment_id = ?
		 LIMIT 1`,
		paymentID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.PaymentID == "" {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindPaymentByOrder(ctx context.Context, db *gorm.DB, orderID string) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payment_records
		 WHERE order_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		orderID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.PaymentID == "" {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, record domain.PaymentRecord) (domain.InsertResult, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_records (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (payment_id) DO NOTHING`,
		record.PaymentID,
		record.OrderID,
		record.AccountID,
		record.Signature,
		record.Amount,
		record.Currency,
		record.Credits,
		record.Status,
		record.Source,
		record.ErrorMessage,
		record.CompletedAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.AlreadyExists, nil
	}
	return domain.Inserted, nil
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, paymentID string, from, to domain.PaymentStatus, message *string, now time.Time) (bool, error) {
	var completedAt *time.Time
	if to == domain.PaymentStatusCompleted {
		completedAt = &now
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE payment_id = ? AND status = ?`,
		to,
		message,
		completedAt,
		now,
		paymentID,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
