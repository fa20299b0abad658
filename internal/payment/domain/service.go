package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	"gorm.io/gorm"
)

type Repository interface {
	InsertOrder(ctx context.Context, db *gorm.DB, order Order) error
	FindOrder(ctx context.Context, db *gorm.DB, orderID string) (*Order, error)
	// MarkVerified moves CREATED or VERIFIED to VERIFIED and pins paymentID.
	// It refuses when a different payment is already pinned.
	MarkVerified(ctx context.Context, db *gorm.DB, orderID, paymentID string, now time.Time) (bool, error)
	MarkSettled(ctx context.Context, db *gorm.DB, orderID string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, orderID, reason string, now time.Time) (bool, error)
	ListOrders(ctx context.Context, db *gorm.DB, filter OrderFilter) ([]Order, error)
	ListStuckOrders(ctx context.Context, db *gorm.DB, updatedBefore time.Time, limit int) ([]Order, error)

	FindPayment(ctx context.Context, db *gorm.DB, paymentID string) (*PaymentRecord, error)
	FindPaymentByOrder(ctx context.Context, db *gorm.DB, orderID string) (*PaymentRecord, error)
	InsertPayment(ctx context.Context, db *gorm.DB, record PaymentRecord) (InsertResult, error)
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, paymentID string, from, to PaymentStatus, message *string, now time.Time) (bool, error)
}

type OrderFilter struct {
	AccountID   string
	ProductKind ProductKind
	Limit       int
}

type CreateOrderRequest struct {
	AccountID   string
	Email       string
	ProductKind ProductKind
	PlanID      string
	ClientIP    string
	UserAgent   string
}

type ProductInfo struct {
	Kind    ProductKind `json:"kind"`
	PlanID  string      `json:"plan_id"`
	Name    string      `json:"name"`
	Credits int64       `json:"credits,omitempty"`
}

type CreateOrderResponse struct {
	OrderID  string      `json:"order_id"`
	Amount   int64       `json:"amount"`
	Currency string      `json:"currency"`
	KeyID    string      `json:"key_id"`
	Receipt  string      `json:"receipt"`
	Product  ProductInfo `json:"product"`
}

type SettleRequest struct {
	OrderID   string
	PaymentID string
	Signature string
	// AccountID, when set, must own the order.
	AccountID string
}

type SettleResult struct {
	OrderID     string      `json:"order_id"`
	PaymentID   string      `json:"payment_id"`
	ProductKind ProductKind `json:"product_kind"`
	PlanID      string      `json:"plan_id"`
	Credits     int64       `json:"credits_added,omitempty"`
	Remaining   int64       `json:"remaining_credits,omitempty"`
	AdFree      bool        `json:"ad_free,omitempty"`
	Source      Source      `json:"-"`
	Duplicate   bool        `json:"-"`
}

type OrderResponse struct {
	OrderID       string      `json:"order_id"`
	PaymentID     string      `json:"payment_id,omitempty"`
	ProductKind   ProductKind `json:"product_kind"`
	PlanID        string      `json:"plan_id"`
	Credits       int64       `json:"credits"`
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	Status        OrderStatus `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	SettledAt     *time.Time  `json:"settled_at,omitempty"`
}

// StuckOrder is an order that collected money without crediting it: VERIFIED
// past the grace period, or FAILED with a captured_on_failed payment.
type StuckOrder struct {
	OrderResponse
	AccountID     string        `json:"account_id"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
	PaymentError  string        `json:"payment_error,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type Plans struct {
	CreditPacks        []config.CreditPack      `json:"credit_packs"`
	EntitlementPlans   []config.EntitlementPlan `json:"entitlement_plans"`
	DefaultEntitlement string                   `json:"default_entitlement"`
}

// Service settles gateway payments into ledger mutations exactly once.
type Service interface {
	Plans() Plans
	CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error)
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)
	// SettleAuthenticated is used when the payment was authenticated some
	// other way, such as a verified webhook.
	SettleAuthenticated(ctx context.Context, orderID, paymentID string, source Source) (SettleResult, error)
	MarkOrderFailed(ctx context.Context, orderID, paymentID, reason string) (bool, error)
	ListPayments(ctx context.Context, accountID string, kind ProductKind) ([]OrderResponse, error)
	ListAllPayments(ctx context.Context, limit int) ([]OrderResponse, error)
	ListStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]StuckOrder, error)
	Reconcile(ctx context.Context, orderID string) (SettleResult, error)
}

// WebhookResult is acknowledged to the gateway with 200.
type WebhookResult struct {
	Event   string `json:"event"`
	Action  string `json:"action"`
	OrderID string `json:"order_id,omitempty"`
}

const (
	WebhookActionSettled               = "settled"
	WebhookActionDuplicate             = "duplicate"
	WebhookActionFailed                = "marked_failed"
	WebhookActionIgnored               = "ignored"
	WebhookActionUnknownOrder          = "unknown_order"
	WebhookActionReconciliationPending = "reconciliation_pending"
	WebhookActionRejected              = "rejected"
)

// WebhookReconciler turns signed gateway events into settlement calls.
type WebhookReconciler interface {
	Handle(ctx context.Context, body []byte, signature string) (WebhookResult, error)
}
