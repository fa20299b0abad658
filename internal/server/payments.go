package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"go.uber.org/zap"
)

// HeaderWebhookSignature carries the hex HMAC of the raw webhook body.
const HeaderWebhookSignature = "X-Razorpay-Signature"

const maxWebhookBody = 1 << 20

type createOrderRequest struct {
	PlanID string `json:"plan_id"`
	// Plan is the name the ad-free checkout sends.
	Plan string `json:"plan"`
}

type verifyPaymentRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

func (s *Server) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.payments.Plans()})
}

func (s *Server) CreateCreditOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PlanID) == "" {
		AbortWithError(c, newValidationError("plan_id", "required", "plan_id is required"))
		return
	}
	s.createOrder(c, paymentdomain.ProductCreditPack, req.PlanID)
}

func (s *Server) createOrder(c *gin.Context, kind paymentdomain.ProductKind, planID string) {
	id := identityFrom(c)
	resp, err := s.payments.CreateOrder(c.Request.Context(), paymentdomain.CreateOrderRequest{
		AccountID:   id.AccountID,
		Email:       id.Email,
		ProductKind: kind,
		PlanID:      strings.TrimSpace(planID),
		ClientIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

// VerifyPayment settles the checkout callback. A repeated callback for the
// same payment answers exactly like the first one.
func (s *Server) VerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	req.Signature = strings.TrimSpace(req.Signature)
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		AbortWithError(c, newValidationError("payment", "required", "missing required payment details"))
		return
	}

	id := identityFrom(c)
	result, err := s.payments.Settle(c.Request.Context(), paymentdomain.SettleRequest{
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		Signature: req.Signature,
		AccountID: id.AccountID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (s *Server) ListPaymentHistory(c *gin.Context) {
	kind := paymentdomain.ProductKind(strings.TrimSpace(c.Query("kind")))
	s.listPayments(c, kind)
}

func (s *Server) listPayments(c *gin.Context, kind paymentdomain.ProductKind) {
	id := identityFrom(c)
	orders, err := s.payments.ListPayments(c.Request.Context(), id.AccountID, kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": orders})
}

// HandlePaymentWebhook answers 200 for every authenticated event the
// reconciler accepted, so the gateway stops redelivering it. Errors make the
// gateway retry.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	result, err := s.webhooks.Handle(ctx, payload, c.GetHeader(HeaderWebhookSignature))
	if err != nil {
		logger.FromContext(ctx).Warn("payment webhook not accepted", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}
