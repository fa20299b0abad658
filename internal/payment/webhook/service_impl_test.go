package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/payment/adapters/razorpay"
	"github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const webhookSecret = "whsec_test"

type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) Plans() domain.Plans { return domain.Plans{} }

func (m *MockPayments) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.CreateOrderResponse), args.Error(1)
}

func (m *MockPayments) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.SettleResult), args.Error(1)
}

func (m *MockPayments) SettleAuthenticated(ctx context.Context, orderID, paymentID string, source domain.Source) (domain.SettleResult, error) {
	args := m.Called(ctx, orderID, paymentID, source)
	return args.Get(0).(domain.SettleResult), args.Error(1)
}

func (m *MockPayments) MarkOrderFailed(ctx context.Context, orderID, paymentID, reason string) (bool, error) {
	args := m.Called(ctx, orderID, paymentID, reason)
	return args.Bool(0), args.Error(1)
}

func (m *MockPayments) ListPayments(ctx context.Context, accountID string, kind domain.ProductKind) ([]domain.OrderResponse, error) {
	args := m.Called(ctx, accountID, kind)
	return args.Get(0).([]domain.OrderResponse), args.Error(1)
}

func (m *MockPayments) ListAllPayments(ctx context.Context, limit int) ([]domain.OrderResponse, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.OrderResponse), args.Error(1)
}

func (m *MockPayments) ListStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]domain.StuckOrder, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Get(0).([]domain.StuckOrder), args.Error(1)
}

func (m *MockPayments) Reconcile(ctx context.Context, orderID string) (domain.SettleResult, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(domain.SettleResult), args.Error(1)
}

func newTestService(secret string, payments domain.Service) domain.WebhookReconciler {
	return NewService(Params{
		Log:      zap.NewNop(),
		Gateway:  razorpay.New(config.GatewayConfig{KeyID: "k", KeySecret: "s", WebhookSecret: secret}, nil, nil),
		Payments: payments,
	})
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func paymentEvent(eventType, orderID, paymentID string) []byte {
	return []byte(fmt.Sprintf(`{
		"entity": "event",
		"event": %q,
		"payload": {
			"payment": {
				"entity": {
					"id": %q,
					"order_id": %q,
					"amount": 9900,
					"currency": "INR",
					"status": "captured",
					"error_description": "Card declined",
					"notes": []
				}
			}
		}
	}`, eventType, paymentID, orderID))
}

func TestHandleRejectsBadSignatureBeforeLookup(t *testing.T) {
	payments := &MockPayments{}
	svc := newTestService(webhookSecret, payments)
	body := paymentEvent(EventPaymentCaptured, "order_1", "pay_1")

	res, err := svc.Handle(context.Background(), body, signBody("wrong", body))
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
	assert.Equal(t, domain.WebhookActionRejected, res.Action)

	_, err = svc.Handle(context.Background(), body, "")
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)

	payments.AssertNotCalled(t, "SettleAuthenticated", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleFailsClosedWithoutSecret(t *testing.T) {
	payments := &MockPayments{}
	svc := newTestService("", payments)
	body := paymentEvent(EventPaymentCaptured, "order_1", "pay_1")

	_, err := svc.Handle(context.Background(), body, signBody("", body))
	assert.ErrorIs(t, err, domain.ErrConfigMissing)
	payments.AssertNotCalled(t, "SettleAuthenticated", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleCapturedSettles(t *testing.T) {
	payments := &MockPayments{}
	payments.On("SettleAuthenticated", mock.Anything, "order_1", "pay_1", domain.SourceWebhook).
		Return(domain.SettleResult{OrderID: "order_1", PaymentID: "pay_1"}, nil).Once()
	payments.On("SettleAuthenticated", mock.Anything, "order_1", "pay_1", domain.SourceWebhook).
		Return(domain.SettleResult{OrderID: "order_1", PaymentID: "pay_1", Duplicate: true}, nil).Once()
	svc := newTestService(webhookSecret, payments)
	body := paymentEvent(EventPaymentCaptured, "order_1", "pay_1")

	res, err := svc.Handle(context.Background(), body, signBody(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, EventPaymentCaptured, res.Event)
	assert.Equal(t, domain.WebhookActionSettled, res.Action)
	assert.Equal(t, "order_1", res.OrderID)

	res, err = svc.Handle(context.Background(), body, signBody(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookActionDuplicate, res.Action)
	payments.AssertExpectations(t)
}

func TestHandleSettlementOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		settleErr  error
		wantAction string
		wantErr    error
	}{
		{name: "unknown order", settleErr: domain.ErrOrderNotFound, wantAction: domain.WebhookActionUnknownOrder},
		{name: "ledger failure", settleErr: fmt.Errorf("%w: boom", domain.ErrLedgerMutationFailed), wantAction: domain.WebhookActionReconciliationPending},
		{name: "failed order", settleErr: domain.ErrOrderFailed, wantAction: domain.WebhookActionRejected},
		{name: "gateway down", settleErr: domain.ErrGatewayUnavailable, wantErr: domain.ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &MockPayments{}
			payments.On("SettleAuthenticated", mock.Anything, "order_1", "pay_1", domain.SourceWebhook).
				Return(domain.SettleResult{}, tt.settleErr)
			svc := newTestService(webhookSecret, payments)
			body := paymentEvent(EventPaymentAuthorized, "order_1", "pay_1")

			res, err := svc.Handle(context.Background(), body, signBody(webhookSecret, body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, res.Action)
		})
	}
}

func TestHandlePaymentFailedMarksOrder(t *testing.T) {
	payments := &MockPayments{}
	payments.On("MarkOrderFailed", mock.Anything, "order_1", "pay_1", "Card declined").Return(true, nil).Once()
	payments.On("MarkOrderFailed", mock.Anything, "order_2", "pay_2", "Card declined").Return(false, domain.ErrOrderNotFound).Once()
	svc := newTestService(webhookSecret, payments)

	body := paymentEvent(EventPaymentFailed, "order_1", "pay_1")
	res, err := svc.Handle(context.Background(), body, signBody(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookActionFailed, res.Action)

	body = paymentEvent(EventPaymentFailed, "order_2", "pay_2")
	res, err = svc.Handle(context.Background(), body, signBody(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookActionUnknownOrder, res.Action)
	payments.AssertExpectations(t)
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	payments := &MockPayments{}
	svc := newTestService(webhookSecret, payments)

	body := []byte(`{"event":"order.paid","payload":{"order":{"entity":{"id":"order_1"}}}}`)
	res, err := svc.Handle(context.Background(), body, signBody(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, EventOrderPaid, res.Event)
	assert.Equal(t, domain.WebhookActionIgnored, res.Action)

	garbage := []byte(`not json`)
	_, err = svc.Handle(context.Background(), garbage, signBody(webhookSecret, garbage))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	payments.AssertExpectations(t)
}
