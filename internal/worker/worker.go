package worker

import (
	"context"
	"time"

	"pass-service/internal/broker"
	"pass-service/internal/models"
	"pass-service/internal/service"
	"pass-service/internal/util"

	"go.uber.org/zap"
)

// StatusChecker re-queries the gateway for an order.
type StatusChecker interface {
	QueryRemoteStatus(ctx context.Context, merchantOrderID string, autoApply bool, source service.Source) (*service.StatusCheck, error)
}

// RecheckWorker applies queued status rechecks
type RecheckWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	checker      StatusChecker
	logger       *zap.Logger
}

// NewRecheckWorker creates a new recheck worker
func NewRecheckWorker(consumer *broker.Consumer, checker StatusChecker) *RecheckWorker {
	w := &RecheckWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		checker:      checker,
		logger:       util.Named("recheck-worker"),
	}
	w.eventHandler.OnRecheckRequested(w.handleRecheck)
	return w
}

func (w *RecheckWorker) handleRecheck(ctx context.Context, event *models.PassRecheckRequestedEvent) error {
	check, err := w.checker.QueryRemoteStatus(ctx, event.MerchantOrderID, true, service.SourceStatusCheck)
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("merchant_order_id", event.MerchantOrderID),
		zap.String("state", string(check.Status)),
	}
	if check.Result != nil {
		fields = append(fields, zap.String("outcome", string(check.Result.Outcome)))
	}
	w.logger.Info("Status recheck applied", fields...)
	return nil
}

// Start starts the worker
func (w *RecheckWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting recheck worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *RecheckWorker) Stop() error {
	w.logger.Info("Stopping recheck worker")
	return w.consumer.Close()
}

// ExpirySweeper is one expiry pass over stale pending passes.
type ExpirySweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepWorker runs the expiry sweeper on a fixed interval
type SweepWorker struct {
	sweeper  ExpirySweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(sweeper ExpirySweeper, interval time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepWorker{sweeper: sweeper, interval: interval, logger: util.Named("sweep-worker")}
}

// Start sweeps once immediately, then every interval until ctx is cancelled.
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sweep worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.sweeper.Sweep(ctx); err != nil {
			w.logger.Error("Sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Stopping sweep worker")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
