package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	entitlementdomain "github.com/smallbiznis/creditledger/internal/entitlement/domain"
	"github.com/smallbiznis/creditledger/internal/events"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/payment/domain"
	dbutil "github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultStuckLimit   = 100
	defaultGracePeriod  = 15 * time.Minute
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Repo         domain.Repository
	Gateway      domain.Gateway
	Ledger       creditdomain.Service
	Entitlements entitlementdomain.Service
	Catalog      *config.CatalogHolder
	Cfg          config.Config       `optional:"true"`
	Publisher    events.Publisher    `optional:"true"`
	Clock        clock.Clock         `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	repo         domain.Repository
	gateway      domain.Gateway
	ledger       creditdomain.Service
	entitlements entitlementdomain.Service
	catalog      *config.CatalogHolder
	publisher    events.Publisher
	clock        clock.Clock
	obsMetrics   *obsmetrics.Metrics
	gracePeriod  time.Duration
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewFallback(p.Log)
	}
	grace := p.Cfg.Reconcile.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("payment.service"),
		repo:         p.Repo,
		gateway:      p.Gateway,
		ledger:       p.Ledger,
		entitlements: p.Entitlements,
		catalog:      p.Catalog,
		publisher:    publisher,
		clock:        clk,
		obsMetrics:   p.ObsMetrics,
		gracePeriod:  grace,
	}
}

func (s *Service) Plans() domain.Plans {
	cat := s.catalog.Get()
	return domain.Plans{
		CreditPacks:        cat.CreditPacks,
		EntitlementPlans:   cat.EntitlementPlans,
		DefaultEntitlement: cat.DefaultEntitlement,
	}
}

func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return domain.CreateOrderResponse{}, domain.ErrInvalidAccount
	}
	if !req.ProductKind.Valid() {
		return domain.CreateOrderResponse{}, domain.ErrInvalidProduct
	}

	product, amount, currency, err := s.resolvePlan(req.ProductKind, req.PlanID)
	if err != nil {
		return domain.CreateOrderResponse{}, err
	}

	switch req.ProductKind {
	case domain.ProductCreditPack:
		// settlement credits an existing row; a first purchase still gets the welcome grant
		if _, err := s.ledger.Initialize(ctx, accountID, req.Email, creditdomain.DefaultStartingCredits); err != nil {
			return domain.CreateOrderResponse{}, err
		}
	case domain.ProductEntitlement:
		status, err := s.entitlements.Status(ctx, accountID)
		if err != nil {
			return domain.CreateOrderResponse{}, err
		}
		if status.AdFree {
			return domain.CreateOrderResponse{}, domain.ErrAlreadyEntitled
		}
	}

	now := s.clock.Now()
	receipt := "rcpt_" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	gwOrder, err := s.gateway.CreateOrder(ctx, domain.GatewayOrderRequest{
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Notes: domain.Notes{
			"account_id":   accountID,
			"product_kind": string(product.Kind),
			"plan_id":      product.PlanID,
			"credits":      strconv.FormatInt(product.Credits, 10),
		},
	})
	if err != nil {
		obslogger.WithContext(ctx, s.log).Error("gateway order creation failed",
			zap.String("account_id", accountID),
			zap.String("plan_id", product.PlanID),
			zap.Error(err),
		)
		return domain.CreateOrderResponse{}, err
	}

	order := domain.Order{
		OrderID:     gwOrder.ID,
		AccountID:   accountID,
		ProductKind: product.Kind,
		PlanID:      product.PlanID,
		Credits:     product.Credits,
		Amount:      amount,
		Currency:    currency,
		Receipt:     receipt,
		Status:      domain.OrderStatusCreated,
		ClientIP:    optionalString(req.ClientIP),
		UserAgent:   optionalString(truncate(req.UserAgent, 255)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertOrder(ctx, s.db, order); err != nil {
		return domain.CreateOrderResponse{}, err
	}

	obslogger.WithContext(ctx, s.log).Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("account_id", accountID),
		zap.String("product_kind", string(product.Kind)),
		zap.String("plan_id", product.PlanID),
		zap.Int64("amount", amount),
	)
	return domain.CreateOrderResponse{
		OrderID:  order.OrderID,
		Amount:   amount,
		Currency: currency,
		KeyID:    s.gateway.KeyID(),
		Receipt:  receipt,
		Product:  product,
	}, nil
}

func (s *Service) resolvePlan(kind domain.ProductKind, planID string) (domain.ProductInfo, int64, string, error) {
	cat := s.catalog.Get()
	switch kind {
	case domain.ProductCreditPack:
		pack, ok := cat.CreditPack(planID)
		if !ok {
			return domain.ProductInfo{}, 0, "", domain.ErrInvalidPlan
		}
		return domain.ProductInfo{Kind: kind, PlanID: pack.ID, Name: pack.Name, Credits: pack.Credits}, pack.Price, pack.Currency, nil
	case domain.ProductEntitlement:
		plan, ok := cat.EntitlementPlan(planID)
		if !ok {
			return domain.ProductInfo{}, 0, "", domain.ErrInvalidPlan
		}
		return domain.ProductInfo{Kind: kind, PlanID: plan.ID, Name: plan.Name}, plan.Price, plan.Currency, nil
	default:
		return domain.ProductInfo{}, 0, "", domain.ErrInvalidProduct
	}
}

func (s *Service) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResult, error) {
	orderID := strings.TrimSpace(req.OrderID)
	paymentID := strings.TrimSpace(req.PaymentID)
	signature := strings.TrimSpace(req.Signature)
	if orderID == "" || paymentID == "" || signature == "" {
		return domain.SettleResult{}, domain.ErrInvalidRequest
	}

	if !s.gateway.VerifyPaymentSignature(orderID, paymentID, signature) {
		s.failOnBadSignature(ctx, orderID, strings.TrimSpace(req.AccountID))
		s.obsMetrics.RecordSettlement(ctx, string(domain.SourceCallback), "", "signature_invalid")
		return domain.SettleResult{}, domain.ErrSignatureInvalid
	}
	return s.settle(ctx, orderID, paymentID, &signature, strings.TrimSpace(req.AccountID), domain.SourceCallback)
}

func (s *Service) SettleAuthenticated(ctx context.Context, orderID, paymentID string, source domain.Source) (domain.SettleResult, error) {
	orderID = strings.TrimSpace(orderID)
	paymentID = strings.TrimSpace(paymentID)
	if orderID == "" || paymentID == "" {
		return domain.SettleResult{}, domain.ErrInvalidRequest
	}
	return s.settle(ctx, orderID, paymentID, nil, "", source)
}

// failOnBadSignature only lets the order's owner fail it, so a forged
// callback cannot cancel someone else's checkout.
func (s *Service) failOnBadSignature(ctx context.Context, orderID, accountID string) {
	log := obslogger.WithContext(ctx, s.log)
	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil || order == nil {
		log.Warn("payment signature invalid", zap.String("order_id", orderID))
		return
	}
	if accountID != "" && order.AccountID != accountID {
		log.Warn("payment signature invalid for foreign order",
			zap.String("order_id", orderID),
			zap.String("account_id", accountID),
		)
		return
	}
	if _, err := s.repo.MarkFailed(ctx, s.db, orderID, "signature_invalid", s.clock.Now()); err != nil {
		log.Error("mark order failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	log.Warn("payment signature invalid", zap.String("order_id", orderID))
}

func (s *Service) settle(ctx context.Context, orderID, paymentID string, signature *string, accountID string, source domain.Source) (domain.SettleResult, error) {
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("order_id", orderID),
		zap.String("payment_id", paymentID),
		zap.String("source", string(source)),
	)

	if result, done, err := s.fromExistingRecord(ctx, orderID, paymentID, accountID, source); done {
		return result, err
	}

	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if order == nil || (accountID != "" && order.AccountID != accountID) {
		return domain.SettleResult{}, domain.ErrOrderNotFound
	}
	if order.Status == domain.OrderStatusSettled {
		// settled by a concurrent caller since the first lookup
		if result, done, err := s.fromExistingRecord(ctx, orderID, paymentID, accountID, source); done {
			return result, err
		}
	}
	if err := s.checkSettleable(order, paymentID); err != nil {
		log.Error("payment received for unsettleable order",
			zap.String("status", string(order.Status)),
			zap.Error(err),
		)
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "rejected")
		if errors.Is(err, domain.ErrOrderFailed) {
			if recErr := s.recordCapturedOnFailed(ctx, order, paymentID, signature, source); recErr != nil {
				return domain.SettleResult{}, recErr
			}
		}
		return domain.SettleResult{}, err
	}

	payment, err := s.gateway.FetchPayment(ctx, paymentID)
	if err != nil {
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "gateway_error")
		return domain.SettleResult{}, err
	}
	if payment.OrderID != order.OrderID {
		log.Error("gateway payment belongs to another order", zap.String("gateway_order_id", payment.OrderID))
		return domain.SettleResult{}, domain.ErrOrderConflict
	}
	if payment.Status == domain.GatewayPaymentFailed {
		reason := payment.ErrorDescription
		if reason == "" {
			reason = "payment_failed"
		}
		s.markFailed(ctx, order.OrderID, reason)
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "payment_failed")
		return domain.SettleResult{}, domain.ErrOrderFailed
	}
	if !payment.Settleable() {
		return domain.SettleResult{}, fmt.Errorf("%w: status %s", domain.ErrPaymentNotCaptured, payment.Status)
	}
	if payment.Amount != order.Amount || !strings.EqualFold(payment.Currency, order.Currency) {
		log.Error("gateway payment amount mismatch",
			zap.Int64("expected_amount", order.Amount),
			zap.Int64("gateway_amount", payment.Amount),
			zap.String("gateway_currency", payment.Currency),
		)
		s.markFailed(ctx, order.OrderID, "amount_mismatch")
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "amount_mismatch")
		return domain.SettleResult{}, domain.ErrAmountMismatch
	}

	gwOrder, err := s.gateway.FetchOrder(ctx, order.OrderID)
	if err != nil {
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "gateway_error")
		return domain.SettleResult{}, err
	}
	if gwOrder.Amount != order.Amount || !notesMatch(gwOrder.Notes, order) {
		log.Error("gateway order does not match local order",
			zap.Int64("gateway_amount", gwOrder.Amount),
			zap.Any("gateway_notes", gwOrder.Notes),
		)
		s.markFailed(ctx, order.OrderID, "order_mismatch")
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "amount_mismatch")
		return domain.SettleResult{}, domain.ErrAmountMismatch
	}

	ok, err := s.repo.MarkVerified(ctx, s.db, order.OrderID, paymentID, s.clock.Now())
	if err != nil {
		return domain.SettleResult{}, err
	}
	if !ok {
		current, err := s.repo.FindOrder(ctx, s.db, order.OrderID)
		if err != nil {
			return domain.SettleResult{}, err
		}
		if current != nil && current.Status == domain.OrderStatusSettled {
			// a concurrent caller settled this exact payment
			if result, done, err := s.fromExistingRecord(ctx, orderID, paymentID, accountID, source); done {
				return result, err
			}
		}
		if current != nil && current.Status == domain.OrderStatusFailed {
			if err := s.insertCapturedOnFailed(ctx, current, payment, signature, source); err != nil {
				return domain.SettleResult{}, err
			}
			return domain.SettleResult{}, domain.ErrOrderFailed
		}
		return domain.SettleResult{}, domain.ErrOrderConflict
	}
	order.Status = domain.OrderStatusVerified
	order.PaymentID = &paymentID

	return s.apply(ctx, order, paymentID, signature, source)
}

// recordCapturedOnFailed keeps a trace of money taken for an order that failed
// earlier, typically a retried checkout after a failed first attempt. The
// order stays FAILED and the payment shows up in ListStuckOrders.
func (s *Service) recordCapturedOnFailed(ctx context.Context, order *domain.Order, paymentID string, signature *string, source domain.Source) error {
	payment, err := s.gateway.FetchPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	return s.insertCapturedOnFailed(ctx, order, payment, signature, source)
}

func (s *Service) insertCapturedOnFailed(ctx context.Context, order *domain.Order, payment domain.GatewayPayment, signature *string, source domain.Source) error {
	if payment.OrderID != order.OrderID || !payment.Settleable() {
		return nil
	}

	reason := "order failed"
	if order.FailureReason != nil && *order.FailureReason != "" {
		reason += ": " + *order.FailureReason
	}
	message := truncate(reason, 500)
	now := s.clock.Now()
	res, err := s.repo.InsertPayment(ctx, s.db, domain.PaymentRecord{
		PaymentID:    payment.ID,
		OrderID:      order.OrderID,
		AccountID:    order.AccountID,
		Signature:    signature,
		Amount:       payment.Amount,
		Currency:     payment.Currency,
		Credits:      order.Credits,
		Status:       domain.PaymentStatusCapturedOnFailed,
		Source:       source,
		ErrorMessage: &message,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return err
	}
	if res == domain.Inserted {
		obslogger.WithContext(ctx, s.log).Error("payment captured for failed order, refund required",
			zap.String("order_id", order.OrderID),
			zap.String("payment_id", payment.ID),
			zap.String("account_id", order.AccountID),
			zap.Int64("amount", payment.Amount),
			zap.String("currency", payment.Currency),
		)
	}
	return nil
}

func (s *Service) checkSettleable(order *domain.Order, paymentID string) error {
	switch order.Status {
	case domain.OrderStatusFailed:
		return domain.ErrOrderFailed
	case domain.OrderStatusSettled:
		return domain.ErrOrderConflict
	}
	if order.PaymentID != nil && *order.PaymentID != paymentID {
		return domain.ErrOrderConflict
	}
	return nil
}

// fromExistingRecord answers repeated settlements of a payment that already
// has a record. done is false when no record exists yet.
func (s *Service) fromExistingRecord(ctx context.Context, orderID, paymentID, accountID string, source domain.Source) (domain.SettleResult, bool, error) {
	record, err := s.repo.FindPayment(ctx, s.db, paymentID)
	if err != nil {
		return domain.SettleResult{}, true, err
	}
	if record == nil {
		return domain.SettleResult{}, false, nil
	}
	if record.OrderID != orderID {
		return domain.SettleResult{}, true, domain.ErrOrderConflict
	}
	if accountID != "" && record.AccountID != accountID {
		return domain.SettleResult{}, true, domain.ErrOrderNotFound
	}

	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return domain.SettleResult{}, true, err
	}
	if order == nil {
		return domain.SettleResult{}, true, domain.ErrOrderNotFound
	}

	if record.Status == domain.PaymentStatusFailedPostVerification {
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "reconciliation_pending")
		return domain.SettleResult{}, true, domain.ErrLedgerMutationFailed
	}
	if record.Status == domain.PaymentStatusCapturedOnFailed {
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "rejected")
		return domain.SettleResult{}, true, domain.ErrOrderFailed
	}

	s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "duplicate")
	obslogger.WithContext(ctx, s.log).Info("payment already settled",
		zap.String("order_id", orderID),
		zap.String("payment_id", paymentID),
		zap.String("source", string(source)),
	)
	return s.currentResult(ctx, order, paymentID, source, true), true, nil
}

// currentResult describes a settled order using today's balance.
func (s *Service) currentResult(ctx context.Context, order *domain.Order, paymentID string, source domain.Source, duplicate bool) domain.SettleResult {
	result := domain.SettleResult{
		OrderID:     order.OrderID,
		PaymentID:   paymentID,
		ProductKind: order.ProductKind,
		PlanID:      order.PlanID,
		Source:      source,
		Duplicate:   duplicate,
	}
	switch order.ProductKind {
	case domain.ProductCreditPack:
		result.Credits = order.Credits
		if balance, err := s.ledger.GetBalance(ctx, order.AccountID, ""); err == nil {
			result.Remaining = balance.Remaining
		}
	case domain.ProductEntitlement:
		if status, err := s.entitlements.Status(ctx, order.AccountID); err == nil {
			result.AdFree = status.AdFree
		}
	}
	return result
}

type mutationError struct {
	err error
}

func (e *mutationError) Error() string { return e.err.Error() }
func (e *mutationError) Unwrap() error { return e.err }

var errAlreadyRecorded = errors.New("payment already recorded")

// apply commits the payment record, the ledger mutation and the SETTLED
// transition together. A failed mutation leaves the order VERIFIED with a
// failed_post_verification record.
func (s *Service) apply(ctx context.Context, order *domain.Order, paymentID string, signature *string, source domain.Source) (domain.SettleResult, error) {
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("order_id", order.OrderID),
		zap.String("payment_id", paymentID),
		zap.String("account_id", order.AccountID),
		zap.String("source", string(source)),
	)

	now := s.clock.Now()
	record := domain.PaymentRecord{
		PaymentID:   paymentID,
		OrderID:     order.OrderID,
		AccountID:   order.AccountID,
		Signature:   signature,
		Amount:      order.Amount,
		Currency:    order.Currency,
		Credits:     order.Credits,
		Status:      domain.PaymentStatusCompleted,
		Source:      source,
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var result domain.SettleResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertPayment(ctx, tx, record)
		if err != nil {
			return err
		}
		if inserted == domain.AlreadyExists {
			return errAlreadyRecorded
		}

		result, err = s.mutate(ctx, tx, order)
		if err != nil {
			return &mutationError{err: err}
		}

		ok, err := s.repo.MarkSettled(ctx, tx, order.OrderID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrOrderConflict
		}
		return nil
	})

	var mutErr *mutationError
	switch {
	case err == nil:
	case errors.Is(err, errAlreadyRecorded):
		if result, done, err := s.fromExistingRecord(ctx, order.OrderID, paymentID, "", source); done {
			return result, err
		}
		return domain.SettleResult{}, domain.ErrOrderConflict
	case errors.As(err, &mutErr):
		return s.recordMutationFailure(ctx, order, record, mutErr.err)
	default:
		log.Error("settlement transaction failed", zap.Error(err))
		s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "error")
		return domain.SettleResult{}, err
	}

	result.OrderID = order.OrderID
	result.PaymentID = paymentID
	result.ProductKind = order.ProductKind
	result.PlanID = order.PlanID
	result.Source = source

	log.Info("payment settled",
		zap.String("product_kind", string(order.ProductKind)),
		zap.String("plan_id", order.PlanID),
		zap.Int64("credits_added", result.Credits),
	)
	s.obsMetrics.RecordSettlement(ctx, string(source), string(order.ProductKind), "settled")
	s.publishSettled(ctx, order, paymentID, source, now)
	return result, nil
}

func (s *Service) mutate(ctx context.Context, tx *gorm.DB, order *domain.Order) (domain.SettleResult, error) {
	switch order.ProductKind {
	case domain.ProductCreditPack:
		balance, err := s.ledger.WithTx(tx).Add(ctx, order.AccountID, order.Credits)
		if err != nil {
			return domain.SettleResult{}, err
		}
		return domain.SettleResult{Credits: order.Credits, Remaining: balance.Remaining}, nil
	case domain.ProductEntitlement:
		status, err := s.entitlements.WithTx(tx).Grant(ctx, entitlementdomain.GrantRequest{
			AccountID:     order.AccountID,
			Flag:          entitlementdomain.FlagAdFree,
			PlanID:        order.PlanID,
			SourceOrderID: order.OrderID,
		})
		if err != nil {
			return domain.SettleResult{}, err
		}
		return domain.SettleResult{AdFree: status.AdFree}, nil
	default:
		return domain.SettleResult{}, domain.ErrInvalidProduct
	}
}

func (s *Service) recordMutationFailure(ctx context.Context, order *domain.Order, record domain.PaymentRecord, cause error) (domain.SettleResult, error) {
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("order_id", order.OrderID),
		zap.String("payment_id", record.PaymentID),
		zap.String("account_id", order.AccountID),
		zap.String("product_kind", string(order.ProductKind)),
		zap.Int64("credits", order.Credits),
	)

	message := truncate(cause.Error(), 500)
	now := s.clock.Now()
	record.Status = domain.PaymentStatusFailedPostVerification
	record.ErrorMessage = &message
	record.CompletedAt = nil
	record.UpdatedAt = now

	inserted, err := s.repo.InsertPayment(ctx, s.db, record)
	if err != nil {
		log.Error("payment verified but ledger mutation and failure record both failed",
			zap.NamedError("mutation_error", cause),
			zap.Error(err),
		)
		s.obsMetrics.RecordSettlement(ctx, string(record.Source), string(order.ProductKind), "reconciliation_pending")
		return domain.SettleResult{}, fmt.Errorf("%w: %v", domain.ErrLedgerMutationFailed, cause)
	}
	if inserted == domain.AlreadyExists {
		if result, done, err := s.fromExistingRecord(ctx, order.OrderID, record.PaymentID, "", record.Source); done {
			return result, err
		}
	}

	log.Error("payment verified but ledger mutation failed, reconciliation required", zap.Error(cause))
	s.obsMetrics.RecordSettlement(ctx, string(record.Source), string(order.ProductKind), "reconciliation_pending")
	return domain.SettleResult{}, fmt.Errorf("%w: %v", domain.ErrLedgerMutationFailed, cause)
}

func (s *Service) publishSettled(ctx context.Context, order *domain.Order, paymentID string, source domain.Source, settledAt time.Time) {
	err := s.publisher.PublishSettlement(ctx, events.SettlementEvent{
		OrderID:     order.OrderID,
		PaymentID:   paymentID,
		AccountID:   order.AccountID,
		ProductKind: string(order.ProductKind),
		PlanID:      order.PlanID,
		Credits:     order.Credits,
		Amount:      order.Amount,
		Currency:    order.Currency,
		Source:      string(source),
		SettledAt:   settledAt.UTC(),
	})
	if err != nil {
		obslogger.WithContext(ctx, s.log).Warn("settlement event not published",
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)
	}
}

func (s *Service) MarkOrderFailed(ctx context.Context, orderID, paymentID, reason string) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, domain.ErrInvalidRequest
	}
	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return false, err
	}
	if order == nil {
		return false, domain.ErrOrderNotFound
	}
	if order.Status.Terminal() {
		return false, nil
	}
	// another attempt on the same order already went through
	if paymentID != "" && order.PaymentID != nil && *order.PaymentID != paymentID {
		return false, nil
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "payment_failed"
	}
	ok, err := s.repo.MarkFailed(ctx, s.db, orderID, truncate(reason, 500), s.clock.Now())
	if err != nil {
		return false, err
	}
	if ok {
		obslogger.WithContext(ctx, s.log).Warn("order failed",
			zap.String("order_id", orderID),
			zap.String("payment_id", paymentID),
			zap.String("reason", reason),
		)
	}
	return ok, nil
}

func (s *Service) markFailed(ctx context.Context, orderID, reason string) {
	if _, err := s.repo.MarkFailed(ctx, s.db, orderID, reason, s.clock.Now()); err != nil {
		obslogger.WithContext(ctx, s.log).Error("mark order failed",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

func (s *Service) ListPayments(ctx context.Context, accountID string, kind domain.ProductKind) ([]domain.OrderResponse, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}
	if kind != "" && !kind.Valid() {
		return nil, domain.ErrInvalidProduct
	}
	orders, err := s.repo.ListOrders(ctx, s.db, domain.OrderFilter{
		AccountID:   accountID,
		ProductKind: kind,
		Limit:       defaultHistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	return toResponses(orders), nil
}

func (s *Service) ListAllPayments(ctx context.Context, limit int) ([]domain.OrderResponse, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	orders, err := s.repo.ListOrders(ctx, s.db, domain.OrderFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	return toResponses(orders), nil
}

// ListStuckOrders lists orders holding money that was never credited.
func (s *Service) ListStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]domain.StuckOrder, error) {
	if olderThan <= 0 {
		olderThan = s.gracePeriod
	}
	if limit <= 0 {
		limit = defaultStuckLimit
	}
	orders, err := s.repo.ListStuckOrders(ctx, s.db, s.clock.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}

	out := make([]domain.StuckOrder, 0, len(orders))
	for _, order := range orders {
		item := domain.StuckOrder{
			OrderResponse: toResponse(order),
			AccountID:     order.AccountID,
			UpdatedAt:     order.UpdatedAt.UTC(),
		}
		record, err := s.repo.FindPaymentByOrder(ctx, s.db, order.OrderID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			item.PaymentStatus = record.Status
			if record.ErrorMessage != nil {
				item.PaymentError = *record.ErrorMessage
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// Reconcile finishes an order stuck in VERIFIED. A failed_post_verification
// record is flipped to completed in the same transaction that re-applies the
// ledger mutation; a verified order without a record is settled from scratch
// against the gateway.
func (s *Service) Reconcile(ctx context.Context, orderID string) (domain.SettleResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.SettleResult{}, domain.ErrInvalidRequest
	}
	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if order == nil {
		return domain.SettleResult{}, domain.ErrOrderNotFound
	}

	switch order.Status {
	case domain.OrderStatusSettled:
		paymentID := ""
		if order.PaymentID != nil {
			paymentID = *order.PaymentID
		}
		s.obsMetrics.RecordReconciliation(ctx, "already_settled")
		return s.currentResult(ctx, order, paymentID, domain.SourceReconcile, true), nil
	case domain.OrderStatusVerified:
	default:
		return domain.SettleResult{}, domain.ErrNotReconcilable
	}

	record, err := s.repo.FindPaymentByOrder(ctx, s.db, orderID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if record == nil {
		if order.PaymentID == nil {
			return domain.SettleResult{}, domain.ErrNotReconcilable
		}
		result, err := s.settle(ctx, orderID, *order.PaymentID, nil, "", domain.SourceReconcile)
		s.recordReconcileOutcome(ctx, err)
		return result, err
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("order_id", orderID),
		zap.String("payment_id", record.PaymentID),
		zap.String("account_id", order.AccountID),
	)

	now := s.clock.Now()
	var result domain.SettleResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if record.Status == domain.PaymentStatusFailedPostVerification {
			flipped, err := s.repo.UpdatePaymentStatus(ctx, tx, record.PaymentID,
				domain.PaymentStatusFailedPostVerification, domain.PaymentStatusCompleted, nil, now)
			if err != nil {
				return err
			}
			if !flipped {
				return errAlreadyRecorded
			}
			result, err = s.mutate(ctx, tx, order)
			if err != nil {
				return &mutationError{err: err}
			}
		}
		ok, err := s.repo.MarkSettled(ctx, tx, orderID, now)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyRecorded
		}
		return nil
	})

	var mutErr *mutationError
	switch {
	case err == nil:
	case errors.Is(err, errAlreadyRecorded):
		s.obsMetrics.RecordReconciliation(ctx, "already_settled")
		current, findErr := s.repo.FindOrder(ctx, s.db, orderID)
		if findErr != nil {
			return domain.SettleResult{}, findErr
		}
		return s.currentResult(ctx, current, record.PaymentID, domain.SourceReconcile, true), nil
	case errors.As(err, &mutErr):
		log.Error("reconciliation ledger mutation failed", zap.Error(mutErr.err))
		s.obsMetrics.RecordReconciliation(ctx, "mutation_failed")
		return domain.SettleResult{}, fmt.Errorf("%w: %v", domain.ErrLedgerMutationFailed, mutErr.err)
	default:
		s.obsMetrics.RecordReconciliation(ctx, "error")
		return domain.SettleResult{}, err
	}

	if record.Status == domain.PaymentStatusCompleted {
		result = s.currentResult(ctx, order, record.PaymentID, domain.SourceReconcile, false)
	}
	result.OrderID = orderID
	result.PaymentID = record.PaymentID
	result.ProductKind = order.ProductKind
	result.PlanID = order.PlanID
	result.Source = domain.SourceReconcile

	log.Info("order reconciled", zap.Int64("credits_added", result.Credits))
	s.obsMetrics.RecordReconciliation(ctx, "settled")
	s.publishSettled(ctx, order, record.PaymentID, domain.SourceReconcile, now)
	return result, nil
}

func (s *Service) recordReconcileOutcome(ctx context.Context, err error) {
	switch {
	case err == nil:
		s.obsMetrics.RecordReconciliation(ctx, "settled")
	case errors.Is(err, domain.ErrLedgerMutationFailed):
		s.obsMetrics.RecordReconciliation(ctx, "mutation_failed")
	default:
		s.obsMetrics.RecordReconciliation(ctx, "error")
	}
}

func notesMatch(notes domain.Notes, order *domain.Order) bool {
	if len(notes) == 0 {
		return true
	}
	if v, ok := notes["account_id"]; ok && v != order.AccountID {
		return false
	}
	if v, ok := notes["plan_id"]; ok && v != order.PlanID {
		return false
	}
	return true
}

func toResponses(orders []domain.Order) []domain.OrderResponse {
	out := make([]domain.OrderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, toResponse(order))
	}
	return out
}

func toResponse(order domain.Order) domain.OrderResponse {
	resp := domain.OrderResponse{
		OrderID:     order.OrderID,
		ProductKind: order.ProductKind,
		PlanID:      order.PlanID,
		Credits:     order.Credits,
		Amount:      order.Amount,
		Currency:    order.Currency,
		Status:      order.Status,
		CreatedAt:   order.CreatedAt.UTC(),
	}
	if order.PaymentID != nil {
		resp.PaymentID = *order.PaymentID
	}
	if order.FailureReason != nil {
		resp.FailureReason = *order.FailureReason
	}
	if order.SettledAt != nil {
		settled := order.SettledAt.UTC()
		resp.SettledAt = &settled
	}
	return resp
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func truncate(v string, n int) string {
	return dbutil.TruncateText(v, n)
}
