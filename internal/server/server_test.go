package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/admin"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	creditrepository "github.com/smallbiznis/creditledger/internal/credit/repository"
	creditservice "github.com/smallbiznis/creditledger/internal/credit/service"
	entitlementdomain "github.com/smallbiznis/creditledger/internal/entitlement/domain"
	entitlementrepository "github.com/smallbiznis/creditledger/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/creditledger/internal/entitlement/service"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	toolcostdomain "github.com/smallbiznis/creditledger/internal/toolcost/domain"
	toolcostrepository "github.com/smallbiznis/creditledger/internal/toolcost/repository"
	toolcostservice "github.com/smallbiznis/creditledger/internal/toolcost/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const adminEmail = "ops@example.com"

type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) Plans() paymentdomain.Plans {
	args := m.Called()
	return args.Get(0).(paymentdomain.Plans)
}

func (m *MockPayments) CreateOrder(ctx context.Context, req paymentdomain.CreateOrderRequest) (paymentdomain.CreateOrderResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.CreateOrderResponse), args.Error(1)
}

func (m *MockPayments) Settle(ctx context.Context, req paymentdomain.SettleRequest) (paymentdomain.SettleResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.SettleResult), args.Error(1)
}

func (m *MockPayments) SettleAuthenticated(ctx context.Context, orderID, paymentID string, source paymentdomain.Source) (paymentdomain.SettleResult, error) {
	args := m.Called(ctx, orderID, paymentID, source)
	return args.Get(0).(paymentdomain.SettleResult), args.Error(1)
}

func (m *MockPayments) MarkOrderFailed(ctx context.Context, orderID, paymentID, reason string) (bool, error) {
	args := m.Called(ctx, orderID, paymentID, reason)
	return args.Bool(0), args.Error(1)
}

func (m *MockPayments) ListPayments(ctx context.Context, accountID string, kind paymentdomain.ProductKind) ([]paymentdomain.OrderResponse, error) {
	args := m.Called(ctx, accountID, kind)
	return args.Get(0).([]paymentdomain.OrderResponse), args.Error(1)
}

func (m *MockPayments) ListAllPayments(ctx context.Context, limit int) ([]paymentdomain.OrderResponse, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]paymentdomain.OrderResponse), args.Error(1)
}

func (m *MockPayments) ListStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]paymentdomain.StuckOrder, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Get(0).([]paymentdomain.StuckOrder), args.Error(1)
}

func (m *MockPayments) Reconcile(ctx context.Context, orderID string) (paymentdomain.SettleResult, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(paymentdomain.SettleResult), args.Error(1)
}

type fakeWebhooks struct {
	body      []byte
	signature string
	result    paymentdomain.WebhookResult
	err       error
}

func (f *fakeWebhooks) Handle(ctx context.Context, body []byte, signature string) (paymentdomain.WebhookResult, error) {
	f.body = body
	f.signature = signature
	return f.result, f.err
}

type testServer struct {
	engine       *gin.Engine
	credits      creditdomain.Service
	entitlements entitlementdomain.Service
	payments     *MockPayments
	webhooks     *fakeWebhooks
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE credit_accounts (
			account_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			total_credits BIGINT NOT NULL DEFAULT 0,
			remaining_credits BIGINT NOT NULL DEFAULT 0 CHECK (remaining_credits >= 0),
			free_credits BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE tool_usage (
			id BIGINT PRIMARY KEY,
			account_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			credits_consumed BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE entitlements (
			account_id TEXT NOT NULL,
			flag TEXT NOT NULL,
			granted BOOLEAN NOT NULL DEFAULT TRUE,
			plan_id TEXT NOT NULL,
			source_order_id TEXT NOT NULL,
			granted_at DATETIME NOT NULL,
			PRIMARY KEY (account_id, flag)
		)`,
	}
	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	require.NoError(t, db.AutoMigrate(&toolcostdomain.ToolConfig{}))
	return db
}

func newTestServer(t *testing.T, limiter *ratelimit.ChargeLimiter) *testServer {
	t.Helper()

	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	catalog := config.DefaultCatalog()
	catalog.AdminEmails = []string{adminEmail}
	holder := config.NewStaticCatalogHolder(catalog)
	policy := admin.NewPolicy(holder)

	cfg := config.Config{Reconcile: config.ReconcileConfig{GracePeriod: 15 * time.Minute}}
	credits := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  creditrepository.Provide(),
		Admin: policy,
		Clock: clk,
	})
	entitlements := entitlementservice.NewService(entitlementservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  entitlementrepository.Provide(),
		Clock: clk,
	})
	tools := toolcostservice.NewRegistry(toolcostservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		Repo:    toolcostrepository.Provide(),
		Catalog: holder,
		Cfg:     cfg,
		Clock:   clk,
	})
	require.NoError(t, tools.Upsert(context.Background(), toolcostdomain.ToolConfig{
		ToolName: "upscale", DisplayName: "Upscale", CreditCost: 3, IsActive: true,
	}))

	httpMetrics, err := obsmetrics.NewHTTPMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	payments := &MockPayments{}
	webhooks := &fakeWebhooks{}
	engine := NewEngine(observability.Config{}, httpMetrics)
	NewServer(ServerParams{
		Gin:           engine,
		Cfg:           cfg,
		Log:           zap.NewNop(),
		Credits:       credits,
		Tools:         tools,
		Payments:      payments,
		Webhooks:      webhooks,
		Entitlements:  entitlements,
		Admin:         policy,
		ChargeLimiter: limiter,
	})

	return &testServer{
		engine:       engine,
		credits:      credits,
		entitlements: entitlements,
		payments:     payments,
		webhooks:     webhooks,
	}
}

func (ts *testServer) do(t *testing.T, method, path, accountID, email string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if accountID != "" {
		req.Header.Set(HeaderAccountID, accountID)
	}
	if email != "" {
		req.Header.Set(HeaderAccountEmail, email)
	}

	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func dataOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data in %v", body)
	return data
}

func errorOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error in %v", body)
	return payload
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, body := ts.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestBalanceInitializesOnFirstRequest(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, _ := ts.do(t, http.MethodGet, "/api/credits/balance", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := ts.do(t, http.MethodGet, "/api/credits/balance", "acc_1", "a@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	data := dataOf(t, body)
	assert.EqualValues(t, creditdomain.DefaultStartingCredits, data["remaining_credits"])

	// a second call does not grant again
	rec, body = ts.do(t, http.MethodGet, "/api/credits/balance", "acc_1", "a@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, creditdomain.DefaultStartingCredits, dataOf(t, body)["remaining_credits"])
}

func TestAdminBalanceIsUnlimited(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.do(t, http.MethodGet, "/api/credits/balance", "acc_admin", "OPS@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, body)
	assert.EqualValues(t, admin.Unlimited, data["remaining_credits"])
	assert.Equal(t, true, data["unlimited"])
}

func TestChargeDeductsUntilInsufficient(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	_, err := ts.credits.Initialize(ctx, "acc_1", "a@example.com", 5)
	require.NoError(t, err)

	rec, body := ts.do(t, http.MethodPost, "/api/tools/upscale/charge", "acc_1", "a@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := dataOf(t, body)
	assert.Equal(t, "upscale", data["tool"])
	assert.EqualValues(t, 3, data["credits_charged"])
	assert.EqualValues(t, 2, data["remaining_credits"])

	rec, body = ts.do(t, http.MethodPost, "/api/tools/upscale/charge", "acc_1", "a@example.com", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, false, body["success"])
	payload := errorOf(t, body)
	assert.Equal(t, "insufficient_credits", payload["type"])
	assert.EqualValues(t, 2, payload["remaining"])
	assert.EqualValues(t, 3, payload["required"])

	balance, err := ts.credits.GetBalance(ctx, "acc_1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance.Remaining)

	usage, err := ts.credits.ListUsage(ctx, creditdomain.ListUsageRequest{AccountID: "acc_1"})
	require.NoError(t, err)
	assert.Len(t, usage.Usage, 1)
}

func TestChargeUnknownToolUsesDefaultCost(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.credits.Initialize(context.Background(), "acc_1", "", 5)
	require.NoError(t, err)

	rec, body := ts.do(t, http.MethodPost, "/api/tools/palette/charge", "acc_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, toolcostdomain.DefaultCost, dataOf(t, body)["credits_charged"])
}

func TestChargeDeactivatedToolIsRefused(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.credits.Initialize(context.Background(), "acc_1", "", 5)
	require.NoError(t, err)

	rec, _ := ts.do(t, http.MethodPut, "/api/admin/tools/legacy", "acc_admin", adminEmail, map[string]any{
		"credit_cost": 4,
		"is_active":   false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := ts.do(t, http.MethodPost, "/api/tools/legacy/charge", "acc_1", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, "tool_unavailable", errorOf(t, body)["type"])

	balance, err := ts.credits.GetBalance(context.Background(), "acc_1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.Remaining)

	usage, err := ts.credits.ListUsage(context.Background(), creditdomain.ListUsageRequest{AccountID: "acc_1"})
	require.NoError(t, err)
	assert.Empty(t, usage.Usage)
}

func TestChargeFreeToolNeedsNoAccount(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.do(t, http.MethodPost, "/api/tools/Resize/charge", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, body)
	assert.Equal(t, true, data["free"])
	assert.EqualValues(t, 0, data["credits_charged"])

	rec, _ = ts.do(t, http.MethodPost, "/api/tools/upscale/charge", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminChargeIsFree(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.do(t, http.MethodPost, "/api/tools/upscale/charge", "acc_admin", adminEmail, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, body)
	assert.EqualValues(t, 0, data["credits_charged"])
	assert.Equal(t, true, data["unlimited"])
}

func TestChargeRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewChargeLimiter(config.Config{RateLimit: config.RateLimitConfig{
		Enabled: true, ChargeRate: 0.01, ChargeBurst: 1,
	}}, client, zap.NewNop())

	ts := newTestServer(t, limiter)
	_, err := ts.credits.Initialize(context.Background(), "acc_1", "", 50)
	require.NoError(t, err)

	rec, _ := ts.do(t, http.MethodPost, "/api/tools/upscale/charge", "acc_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := ts.do(t, http.MethodPost, "/api/tools/upscale/charge", "acc_1", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorOf(t, body)["type"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestToolFailureAndHistory(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.credits.Initialize(context.Background(), "acc_1", "", 10)
	require.NoError(t, err)

	rec, _ := ts.do(t, http.MethodPost, "/api/tools/upscale/failure", "acc_1", "", map[string]string{"error": "model timeout"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := ts.do(t, http.MethodGet, "/api/credits/history", "acc_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := dataOf(t, body)["usage"].([]any)
	require.Len(t, usage, 1)
	entry := usage[0].(map[string]any)
	assert.Equal(t, "failed", entry["status"])
	assert.Equal(t, "model timeout", entry["error_message"])

	rec, _ = ts.do(t, http.MethodGet, "/api/credits/history?page_token=not-a-token!", "acc_1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTools(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.do(t, http.MethodGet, "/api/tools/config", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tools := dataOf(t, body)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "upscale", tools[0].(map[string]any)["tool_name"])
}

func TestVerifyPaymentMapsOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"signature", paymentdomain.ErrSignatureInvalid, http.StatusBadRequest, "signature_invalid"},
		{"amount", paymentdomain.ErrAmountMismatch, http.StatusBadRequest, "amount_mismatch"},
		{"gateway down", fmt.Errorf("fetch payment: %w", paymentdomain.ErrGatewayUnavailable), http.StatusServiceUnavailable, "gateway_unavailable"},
		{"ledger", paymentdomain.ErrLedgerMutationFailed, http.StatusInternalServerError, "reconciliation_pending"},
		{"unknown order", paymentdomain.ErrOrderNotFound, http.StatusNotFound, "not_found"},
		{"conflict", paymentdomain.ErrOrderConflict, http.StatusConflict, "order_conflict"},
		{"failed order", paymentdomain.ErrOrderFailed, http.StatusConflict, "order_failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.payments.On("Settle", mock.Anything, mock.Anything).Return(paymentdomain.SettleResult{}, tc.err)

			rec, body := ts.do(t, http.MethodPost, "/api/payments/verify", "acc_1", "", map[string]string{
				"razorpay_order_id":   "order_1",
				"razorpay_payment_id": "pay_1",
				"razorpay_signature":  "sig",
			})
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			payload := errorOf(t, body)
			assert.Equal(t, tc.kind, payload["type"])
			if tc.name == "signature" {
				assert.Equal(t, "payment verification failed", payload["message"])
			}
		})
	}
}

func TestVerifyPaymentSuccessHidesDuplicate(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.payments.On("Settle", mock.Anything, paymentdomain.SettleRequest{
		OrderID: "order_1", PaymentID: "pay_1", Signature: "sig", AccountID: "acc_1",
	}).Return(paymentdomain.SettleResult{
		OrderID:     "order_1",
		PaymentID:   "pay_1",
		ProductKind: paymentdomain.ProductCreditPack,
		PlanID:      "starter",
		Credits:     50,
		Remaining:   60,
		Duplicate:   true,
	}, nil)

	rec, body := ts.do(t, http.MethodPost, "/api/payments/verify", "acc_1", "", map[string]string{
		"razorpay_order_id":   " order_1 ",
		"razorpay_payment_id": "pay_1",
		"razorpay_signature":  "sig",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, body)
	assert.EqualValues(t, 50, data["credits_added"])
	assert.EqualValues(t, 60, data["remaining_credits"])
	_, exposed := data["duplicate"]
	assert.False(t, exposed)
	ts.payments.AssertExpectations(t)
}

func TestVerifyPaymentRequiresAllFields(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.do(t, http.MethodPost, "/api/payments/verify", "acc_1", "", map[string]string{
		"razorpay_order_id": "order_1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorOf(t, body)["type"])
	ts.payments.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything)
}

func TestCreateOrders(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.payments.On("CreateOrder", mock.Anything, mock.MatchedBy(func(req paymentdomain.CreateOrderRequest) bool {
		return req.ProductKind == paymentdomain.ProductCreditPack && req.PlanID == "pro" && req.AccountID == "acc_1"
	})).Return(paymentdomain.CreateOrderResponse{OrderID: "order_1", Amount: 79900, Currency: "INR", KeyID: "rzp_test"}, nil)
	ts.payments.On("CreateOrder", mock.Anything, mock.MatchedBy(func(req paymentdomain.CreateOrderRequest) bool {
		return req.ProductKind == paymentdomain.ProductEntitlement
	})).Return(paymentdomain.CreateOrderResponse{}, paymentdomain.ErrAlreadyEntitled)

	rec, body := ts.do(t, http.MethodPost, "/api/payments/create-order", "acc_1", "", map[string]string{"plan_id": "pro"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "order_1", dataOf(t, body)["order_id"])

	rec, _ = ts.do(t, http.MethodPost, "/api/payments/create-order", "acc_1", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = ts.do(t, http.MethodPost, "/api/ads/create-order", "acc_1", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_entitled", errorOf(t, body)["type"])
}

func TestAdFreeStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.do(t, http.MethodGet, "/api/ads/status", "acc_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, dataOf(t, body)["ad_free"])

	_, err := ts.entitlements.Grant(context.Background(), entitlementdomain.GrantRequest{
		AccountID: "acc_1", PlanID: "lifetime", SourceOrderID: "order_9",
	})
	require.NoError(t, err)

	rec, body = ts.do(t, http.MethodGet, "/api/ads/status", "acc_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, body)
	assert.Equal(t, true, data["ad_free"])
	assert.Equal(t, "order_9", data["order_id"])
}

func TestWebhookForwardsRawBody(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.webhooks.result = paymentdomain.WebhookResult{Event: "payment.captured", Action: paymentdomain.WebhookActionSettled, OrderID: "order_1"}

	raw := []byte(`{"event":"payment.captured","payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(raw))
	req.Header.Set(HeaderWebhookSignature, "abc123")
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, raw, ts.webhooks.body)
	assert.Equal(t, "abc123", ts.webhooks.signature)

	ts.webhooks.err = paymentdomain.ErrSignatureInvalid
	rec, _ = ts.do(t, http.MethodPost, "/api/payments/webhook", "", "", raw)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.webhooks.err = fmt.Errorf("settle: %w", paymentdomain.ErrGatewayUnavailable)
	rec, _ = ts.do(t, http.MethodPost, "/api/ads/webhook", "", "", raw)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminRoutesRequireAllowList(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, _ := ts.do(t, http.MethodGet, "/api/admin/reconciliation", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/admin/reconciliation", "acc_1", "user@example.com", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	ts.payments.On("ListStuckOrders", mock.Anything, 15*time.Minute, defaultStuckLimit).
		Return([]paymentdomain.StuckOrder{{AccountID: "acc_2"}}, nil).Once()
	rec, body := ts.do(t, http.MethodGet, "/api/admin/reconciliation", "acc_admin", adminEmail, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 1)

	ts.payments.On("ListStuckOrders", mock.Anything, time.Hour, 5).
		Return([]paymentdomain.StuckOrder{}, nil).Once()
	rec, _ = ts.do(t, http.MethodGet, "/api/admin/reconciliation?older_than=1h&limit=5", "acc_admin", adminEmail, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/admin/reconciliation?older_than=soon", "acc_admin", adminEmail, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ts.payments.AssertExpectations(t)
}

func TestAdminReconcile(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.payments.On("Reconcile", mock.Anything, "order_1").
		Return(paymentdomain.SettleResult{OrderID: "order_1", Credits: 50}, nil)
	ts.payments.On("Reconcile", mock.Anything, "order_2").
		Return(paymentdomain.SettleResult{}, paymentdomain.ErrNotReconcilable)

	rec, body := ts.do(t, http.MethodPost, "/api/admin/reconciliation/order_1", "acc_admin", adminEmail, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, dataOf(t, body)["duplicate"])

	rec, _ = ts.do(t, http.MethodPost, "/api/admin/reconciliation/order_2", "acc_admin", adminEmail, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminToolUpsert(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, _ := ts.do(t, http.MethodPut, "/api/admin/tools/remove_bg", "acc_admin", adminEmail, map[string]any{
		"display_name": "Remove background",
		"credit_cost":  4,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := ts.do(t, http.MethodPost, "/api/admin/tools/refresh", "acc_admin", adminEmail, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, dataOf(t, body)["tools"], 2)

	rec, _ = ts.do(t, http.MethodPut, "/api/admin/tools/remove_bg", "acc_admin", adminEmail, map[string]any{
		"credit_cost": -1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, code := classifyErrorForLog(&creditdomain.InsufficientCreditsError{Remaining: 1, Required: 2})
	assert.Equal(t, "insufficient_credits", kind)
	assert.Equal(t, "insufficient_credits", code)

	kind, code = classifyErrorForLog(paymentdomain.ErrInvalidPlan)
	assert.Equal(t, "validation_error", kind)
	assert.Equal(t, "invalid_plan", code)
}
