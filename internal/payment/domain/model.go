package domain

import "time"

type OrderStatus string

const (
	OrderStatusCreated  OrderStatus = "CREATED"
	OrderStatusVerified OrderStatus = "VERIFIED"
	OrderStatusSettled  OrderStatus = "SETTLED"
	OrderStatusFailed   OrderStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusSettled || s == OrderStatusFailed
}

type ProductKind string

const (
	ProductCreditPack  ProductKind = "credit_pack"
	ProductEntitlement ProductKind = "entitlement"
)

func (k ProductKind) Valid() bool {
	return k == ProductCreditPack || k == ProductEntitlement
}

type PaymentStatus string

const (
	PaymentStatusCompleted              PaymentStatus = "completed"
	PaymentStatusFailedPostVerification PaymentStatus = "failed_post_verification"
	// PaymentStatusCapturedOnFailed marks money collected against an order that
	// had already failed. Nothing is credited; an operator refunds it.
	PaymentStatusCapturedOnFailed PaymentStatus = "captured_on_failed"
)

// Source names the path that settled a payment.
type Source string

const (
	SourceCallback  Source = "callback"
	SourceWebhook   Source = "webhook"
	SourceReconcile Source = "reconcile"
)

// Order is the local mirror of a gateway order.
type Order struct {
	OrderID       string      `gorm:"column:order_id;primaryKey"`
	AccountID     string      `gorm:"column:account_id"`
	ProductKind   ProductKind `gorm:"column:product_kind"`
	PlanID        string      `gorm:"column:plan_id"`
	Credits       int64       `gorm:"column:credits"`
	Amount        int64       `gorm:"column:amount"`
	Currency      string      `gorm:"column:currency"`
	Receipt       string      `gorm:"column:receipt"`
	Status        OrderStatus `gorm:"column:status"`
	PaymentID     *string     `gorm:"column:payment_id"`
	FailureReason *string     `gorm:"column:failure_reason"`
	ClientIP      *string     `gorm:"column:client_ip"`
	UserAgent     *string     `gorm:"column:user_agent"`
	CreatedAt     time.Time   `gorm:"column:created_at"`
	UpdatedAt     time.Time   `gorm:"column:updated_at"`
	VerifiedAt    *time.Time  `gorm:"column:verified_at"`
	SettledAt     *time.Time  `gorm:"column:settled_at"`
}

func (Order) TableName() string { return "payment_orders" }

// PaymentRecord exists at most once per gateway payment id.
type PaymentRecord struct {
	PaymentID    string        `gorm:"column:payment_id;primaryKey"`
	OrderID      string        `gorm:"column:order_id"`
	AccountID    string        `gorm:"column:account_id"`
	Signature    *string       `gorm:"column:signature"`
	Amount       int64         `gorm:"column:amount"`
	Currency     string        `gorm:"column:currency"`
	Credits      int64         `gorm:"column:credits"`
	Status       PaymentStatus `gorm:"column:status"`
	Source       Source        `gorm:"column:source"`
	ErrorMessage *string       `gorm:"column:error_message"`
	CompletedAt  *time.Time    `gorm:"column:completed_at"`
	CreatedAt    time.Time     `gorm:"column:created_at"`
	UpdatedAt    time.Time     `gorm:"column:updated_at"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// InsertResult tells the caller whether its insert won the payment id.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}
