package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ExchangeBilling          = "billing_events"
	RoutingKeyPaymentSettled = "payment.settled"
)

// SettlementEvent is published once per settled order.
type SettlementEvent struct {
	OrderID     string    `json:"order_id"`
	PaymentID   string    `json:"payment_id"`
	AccountID   string    `json:"account_id"`
	ProductKind string    `json:"product_kind"`
	PlanID      string    `json:"plan_id"`
	Credits     int64     `json:"credits"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Source      string    `json:"source"`
	SettledAt   time.Time `json:"settled_at"`
}

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	PublishSettlement(ctx context.Context, event SettlementEvent) error
	Close()
}

// Producer publishes JSON messages to durable topic exchanges.
type Producer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	log     *zap.Logger
}

func NewProducer(amqpURL string, log *zap.Logger) (*Producer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Producer{conn: conn, channel: ch, log: log.Named("events.producer")}, nil
}

func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, payload)
	if err == nil {
		return nil
	}

	// one reopen, the channel dies on any protocol error
	p.log.Warn("publish failed, reopening channel",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.Error(err),
	)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.channel = ch
	return p.publishLocked(ctx, exchange, routingKey, payload)
}

func (p *Producer) publishLocked(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

func (p *Producer) PublishSettlement(ctx context.Context, event SettlementEvent) error {
	return p.Publish(ctx, ExchangeBilling, RoutingKeyPaymentSettled, event)
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Fallback drops events. It is used when no broker is configured or the
// broker was unreachable at startup.
type Fallback struct {
	log *zap.Logger
}

func NewFallback(log *zap.Logger) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{log: log.Named("events.fallback")}
}

func (f *Fallback) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	f.log.Debug("publish skipped",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
	)
	return nil
}

func (f *Fallback) PublishSettlement(ctx context.Context, event SettlementEvent) error {
	return f.Publish(ctx, ExchangeBilling, RoutingKeyPaymentSettled, event)
}

func (f *Fallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url must use amqp:// or amqps://")
	}
	return clean, nil
}
