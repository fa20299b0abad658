package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/creditledger/internal/config"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.razorpay.com/v1"
	defaultTimeout = 5 * time.Second
	maxErrorBody   = 4096
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Client talks to the Razorpay REST API with HTTP basic auth.
type Client struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	timeout       time.Duration
	maxTries      uint
	retryInterval time.Duration

	httpClient *http.Client
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewGateway(p Params) domain.Gateway {
	return New(p.Cfg.Gateway, p.Log, p.ObsMetrics)
}

func New(cfg config.GatewayConfig, log *zap.Logger, m *obsmetrics.Metrics) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:       baseURL,
		keyID:         strings.TrimSpace(cfg.KeyID),
		keySecret:     cfg.KeySecret,
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
		maxTries:      uint(retries) + 1,
		retryInterval: 250 * time.Millisecond,
		httpClient:    &http.Client{},
		log:           log.Named("payment.razorpay"),
		obsMetrics:    m,
	}
}

func (c *Client) KeyID() string {
	return c.keyID
}

func (c *Client) CreateOrder(ctx context.Context, req domain.GatewayOrderRequest) (domain.GatewayOrder, error) {
	if c.keyID == "" || c.keySecret == "" {
		return domain.GatewayOrder{}, domain.ErrConfigMissing
	}
	body := orderRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Receipt:        req.Receipt,
		Notes:          req.Notes,
		PaymentCapture: 1,
	}
	var out domain.GatewayOrder
	if err := c.do(ctx, "create_order", http.MethodPost, "/orders", body, &out); err != nil {
		return domain.GatewayOrder{}, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return domain.GatewayOrder{}, fmt.Errorf("%w: order id missing", domain.ErrGatewayUnavailable)
	}
	return out, nil
}

func (c *Client) FetchOrder(ctx context.Context, orderID string) (domain.GatewayOrder, error) {
	var out domain.GatewayOrder
	err := c.do(ctx, "fetch_order", http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &out)
	return out, err
}

func (c *Client) FetchPayment(ctx context.Context, paymentID string) (domain.GatewayPayment, error) {
	var out domain.GatewayPayment
	err := c.do(ctx, "fetch_payment", http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &out)
	return out, err
}

func (c *Client) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if c.keySecret == "" || orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := sign(c.keySecret, []byte(orderID+"|"+paymentID))
	return hmac.Equal([]byte(strings.TrimSpace(signature)), []byte(expected))
}

func (c *Client) VerifyWebhookSignature(body []byte, signature string) error {
	if c.webhookSecret == "" {
		return domain.ErrConfigMissing
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return domain.ErrSignatureInvalid
	}
	expected := sign(c.webhookSecret, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// do runs one API call with a per-attempt timeout. Transport errors, 429 and
// 5xx are retried; other 4xx responses are returned as ErrGatewayRejected.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = encoded
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.send(ctx, method, path, payload, out)
		if err != nil && !errors.Is(err, domain.ErrGatewayRejected) {
			c.log.Warn("gateway call failed",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.maxTries))

	switch {
	case err == nil:
		c.obsMetrics.RecordGatewayCall(ctx, operation, "success")
		return nil
	case errors.Is(err, domain.ErrGatewayRejected):
		c.obsMetrics.RecordGatewayCall(ctx, operation, "rejected")
		return err
	default:
		c.obsMetrics.RecordGatewayCall(ctx, operation, "unavailable")
		return fmt.Errorf("%w: %s: %v", domain.ErrGatewayUnavailable, operation, err)
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("%w: status %d: %s", domain.ErrGatewayRejected, resp.StatusCode, errorDescription(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode gateway response: %w", err))
	}
	return nil
}

type orderRequest struct {
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Receipt        string       `json:"receipt,omitempty"`
	Notes          domain.Notes `json:"notes,omitempty"`
	PaymentCapture int          `json:"payment_capture"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func errorDescription(raw []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Error.Description != "" {
		return resp.Error.Description
	}
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	return strings.TrimSpace(string(raw))
}
