package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventOrderPaid         = "order.paid"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Gateway    domain.Gateway
	Payments   domain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	gateway    domain.Gateway
	payments   domain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.WebhookReconciler {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		gateway:    p.Gateway,
		payments:   p.Payments,
		obsMetrics: p.ObsMetrics,
	}
}

type event struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity domain.GatewayPayment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Handle authenticates the raw body before anything is parsed or looked up.
// Only transient failures are returned as errors so the gateway redelivers;
// everything else is acknowledged with an action.
func (s *Service) Handle(ctx context.Context, body []byte, signature string) (domain.WebhookResult, error) {
	log := obslogger.WithContext(ctx, s.log)

	if err := s.gateway.VerifyWebhookSignature(body, signature); err != nil {
		if errors.Is(err, domain.ErrConfigMissing) {
			log.Error("webhook secret not configured, rejecting event")
		} else {
			log.Warn("webhook signature invalid")
		}
		s.obsMetrics.RecordWebhookEvent(ctx, "unknown", domain.WebhookActionRejected)
		return domain.WebhookResult{Action: domain.WebhookActionRejected}, err
	}

	var evt event
	if err := json.Unmarshal(body, &evt); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, "unknown", domain.WebhookActionRejected)
		return domain.WebhookResult{Action: domain.WebhookActionRejected}, domain.ErrInvalidPayload
	}

	eventType := strings.TrimSpace(evt.Event)
	payment := evt.Payload.Payment.Entity
	result := domain.WebhookResult{Event: eventType, OrderID: payment.OrderID}
	log = log.With(
		zap.String("event", eventType),
		zap.String("order_id", payment.OrderID),
		zap.String("payment_id", payment.ID),
	)

	var err error
	switch eventType {
	case EventPaymentAuthorized, EventPaymentCaptured:
		result.Action, err = s.settle(ctx, log, payment)
	case EventPaymentFailed:
		result.Action, err = s.fail(ctx, payment)
	default:
		result.Action = domain.WebhookActionIgnored
	}
	if err != nil {
		log.Error("webhook processing failed", zap.Error(err))
		s.obsMetrics.RecordWebhookEvent(ctx, eventType, "error")
		return result, err
	}

	log.Info("webhook processed", zap.String("action", result.Action))
	s.obsMetrics.RecordWebhookEvent(ctx, eventType, result.Action)
	return result, nil
}

func (s *Service) settle(ctx context.Context, log *zap.Logger, payment domain.GatewayPayment) (string, error) {
	if payment.ID == "" || payment.OrderID == "" {
		return domain.WebhookActionIgnored, nil
	}

	res, err := s.payments.SettleAuthenticated(ctx, payment.OrderID, payment.ID, domain.SourceWebhook)
	switch {
	case err == nil && res.Duplicate:
		return domain.WebhookActionDuplicate, nil
	case err == nil:
		return domain.WebhookActionSettled, nil
	case errors.Is(err, domain.ErrOrderNotFound):
		// orders created outside this service share the gateway account
		return domain.WebhookActionUnknownOrder, nil
	case errors.Is(err, domain.ErrLedgerMutationFailed):
		return domain.WebhookActionReconciliationPending, nil
	case errors.Is(err, domain.ErrOrderFailed),
		errors.Is(err, domain.ErrOrderConflict),
		errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrPaymentNotCaptured):
		log.Warn("webhook payment not settled", zap.Error(err))
		return domain.WebhookActionRejected, nil
	default:
		return "", err
	}
}

func (s *Service) fail(ctx context.Context, payment domain.GatewayPayment) (string, error) {
	if payment.OrderID == "" {
		return domain.WebhookActionIgnored, nil
	}
	reason := payment.ErrorDescription
	if reason == "" {
		reason = payment.ErrorCode
	}
	changed, err := s.payments.MarkOrderFailed(ctx, payment.OrderID, payment.ID, reason)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return domain.WebhookActionUnknownOrder, nil
	case err != nil:
		return "", err
	case !changed:
		return domain.WebhookActionIgnored, nil
	default:
		return domain.WebhookActionFailed, nil
	}
}
