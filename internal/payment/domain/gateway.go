package domain

import (
	"context"
	"encoding/json"
)

// Notes is the free-form key/value map the gateway echoes back. Empty notes
// arrive as a JSON array.
type Notes map[string]string

func (n *Notes) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Notes{}
	if obj, ok := raw.(map[string]any); ok {
		for k, v := range obj {
			if s, ok := v.(string); ok {
				out[k] = s
				continue
			}
			b, _ := json.Marshal(v)
			out[k] = string(b)
		}
	}
	*n = out
	return nil
}

type GatewayOrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    Notes
}

type GatewayOrder struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
	Receipt    string `json:"receipt"`
	Status     string `json:"status"`
	Notes      Notes  `json:"notes"`
}

type GatewayPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	Email            string `json:"email"`
	Captured         bool   `json:"captured"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	Notes            Notes  `json:"notes"`
}

const (
	GatewayPaymentAuthorized = "authorized"
	GatewayPaymentCaptured   = "captured"
	GatewayPaymentFailed     = "failed"
)

// Settleable reports whether the gateway has taken the customer's money.
func (p GatewayPayment) Settleable() bool {
	return p.Status == GatewayPaymentCaptured || p.Status == GatewayPaymentAuthorized
}

// Gateway is the outbound side of the payment processor.
type Gateway interface {
	KeyID() string
	CreateOrder(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error)
	FetchOrder(ctx context.Context, orderID string) (GatewayOrder, error)
	FetchPayment(ctx context.Context, paymentID string) (GatewayPayment, error)
	// VerifyPaymentSignature checks the checkout callback signature over
	// "order_id|payment_id".
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
	// VerifyWebhookSignature checks the signature over the raw request body.
	VerifyWebhookSignature(body []byte, signature string) error
}
