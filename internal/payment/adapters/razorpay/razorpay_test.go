package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(config.GatewayConfig{
		BaseURL:       srv.URL,
		KeyID:         "rzp_test_key",
		KeySecret:     "key_secret",
		WebhookSecret: "webhook_secret",
		Timeout:       time.Second,
		MaxRetries:    1,
	}, nil, nil)
	c.retryInterval = time.Millisecond
	return c
}

func hexHMAC(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateOrderSendsBasicAuthAndCapture(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "key_secret", pass)
		assert.Equal(t, "/orders", r.URL.Path)

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 9900, body["amount"])
		assert.EqualValues(t, 1, body["payment_capture"])

		_, _ = w.Write([]byte(`{"id":"order_1","amount":9900,"currency":"INR","receipt":"rcpt_1","status":"created","notes":{"account_id":"acc_1"}}`))
	})

	order, err := c.CreateOrder(context.Background(), domain.GatewayOrderRequest{
		Amount:   9900,
		Currency: "INR",
		Receipt:  "rcpt_1",
		Notes:    domain.Notes{"account_id": "acc_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.ID)
	assert.Equal(t, "acc_1", order.Notes["account_id"])
}

func TestFetchPaymentToleratesEmptyNotesArray(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/pay_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"pay_1","order_id":"order_1","amount":9900,"currency":"INR","status":"captured","notes":[]}`))
	})

	payment, err := c.FetchPayment(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "captured", payment.Status)
	assert.True(t, payment.Settleable())
	assert.Empty(t, payment.Notes)
}

func TestServerErrorsAreRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"order_1","status":"paid"}`))
	})

	order, err := c.FetchOrder(context.Background(), "order_1")
	require.NoError(t, err)
	assert.Equal(t, "paid", order.Status)
	assert.EqualValues(t, 2, calls.Load())
}

func TestPersistentOutageIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.FetchPayment(context.Background(), "pay_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))
	assert.EqualValues(t, 2, calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The id provided does not exist"}}`))
	})

	_, err := c.FetchPayment(context.Background(), "pay_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGatewayRejected))
	assert.Contains(t, err.Error(), "does not exist")
	assert.EqualValues(t, 1, calls.Load())
}

func TestVerifyPaymentSignature(t *testing.T) {
	c := New(config.GatewayConfig{KeyID: "k", KeySecret: "key_secret"}, nil, nil)

	good := hexHMAC("key_secret", "order_1|pay_1")
	assert.True(t, c.VerifyPaymentSignature("order_1", "pay_1", good))
	assert.False(t, c.VerifyPaymentSignature("order_1", "pay_2", good))
	assert.False(t, c.VerifyPaymentSignature("order_1", "pay_1", ""))

	unset := New(config.GatewayConfig{KeyID: "k"}, nil, nil)
	assert.False(t, unset.VerifyPaymentSignature("order_1", "pay_1", hexHMAC("", "order_1|pay_1")))
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"event":"payment.captured"}`)
	c := New(config.GatewayConfig{WebhookSecret: "webhook_secret"}, nil, nil)

	assert.NoError(t, c.VerifyWebhookSignature(body, hexHMAC("webhook_secret", string(body))))
	assert.ErrorIs(t, c.VerifyWebhookSignature(body, hexHMAC("other", string(body))), domain.ErrSignatureInvalid)
	assert.ErrorIs(t, c.VerifyWebhookSignature(body, ""), domain.ErrSignatureInvalid)

	unset := New(config.GatewayConfig{}, nil, nil)
	assert.ErrorIs(t, unset.VerifyWebhookSignature(body, hexHMAC("", string(body))), domain.ErrConfigMissing)
}
