package reconcile

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Payments   paymentdomain.Service
	Config     Config              `optional:"true"`
	Locker     *ratelimit.Locker   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Worker surfaces orders stuck in VERIFIED and, when enabled, settles them.
type Worker struct {
	log        *zap.Logger
	payments   paymentdomain.Service
	locker     *ratelimit.Locker
	obsMetrics *obsmetrics.Metrics
	cfg        Config
}

// Report summarizes one sweep.
type Report struct {
	Skipped    bool
	Stuck      int
	Reconciled int
	Failed     int
}

func NewWorker(p Params) *Worker {
	return &Worker{
		log:        p.Log.Named("reconcile.worker"),
		payments:   p.Payments,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
		cfg:        p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("reconcile sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) (Report, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, w.cfg.LockKey, w.cfg.Interval)
		if err != nil {
			return Report{Skipped: true}, err
		}
		if !ok {
			w.log.Debug("reconcile sweep held by another instance")
			return Report{Skipped: true}, nil
		}
		defer func() {
			if err := w.locker.Release(context.Background(), w.cfg.LockKey, token); err != nil {
				w.log.Warn("reconcile lock release failed", zap.Error(err))
			}
		}()
	}

	stuck, err := w.payments.ListStuckOrders(ctx, w.cfg.GracePeriod, w.cfg.BatchSize)
	if err != nil {
		return Report{}, err
	}
	w.obsMetrics.RecordStuckOrders(ctx, len(stuck))

	report := Report{Stuck: len(stuck)}
	for _, order := range stuck {
		w.log.Error("order collected money without credit",
			zap.String("order_id", order.OrderID),
			zap.String("status", string(order.Status)),
			zap.String("account_id", order.AccountID),
			zap.String("payment_id", order.PaymentID),
			zap.String("payment_status", string(order.PaymentStatus)),
			zap.String("payment_error", order.PaymentError),
			zap.Time("updated_at", order.UpdatedAt),
		)
		// FAILED orders need a refund, not a retry
		if !w.cfg.AutoRetry || order.Status != paymentdomain.OrderStatusVerified {
			continue
		}

		rowCtx, rowCancel := context.WithTimeout(ctx, w.cfg.RowTimeout)
		res, err := w.payments.Reconcile(rowCtx, order.OrderID)
		rowCancel()
		if err != nil {
			report.Failed++
			w.log.Warn("order reconciliation failed",
				zap.String("order_id", order.OrderID),
				zap.Error(err),
			)
			continue
		}
		report.Reconciled++
		w.log.Info("order reconciled",
			zap.String("order_id", order.OrderID),
			zap.Bool("already_settled", res.Duplicate),
		)
	}
	return report, nil
}
