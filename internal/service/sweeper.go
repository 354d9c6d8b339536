package service

import (
	"context"
	"time"

	"pass-service/internal/models"
	"pass-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	sweepLockKey   = "pass-sweeper"
	sweepBatchSize = 500
)

// Sweeper expires pending passes whose TTL elapsed without a payment outcome.
type Sweeper struct {
	store     PassStore
	locker    Locker
	publisher EventPublisher
	lockTTL   time.Duration
	batchSize int
	owner     string
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. locker may be nil; the guarded update keeps
// concurrent sweeps correct, the lock only keeps replicas from doing the
// same work.
func NewSweeper(store PassStore, locker Locker, publisher EventPublisher, lockTTL time.Duration) *Sweeper {
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	return &Sweeper{
		store:     store,
		locker:    locker,
		publisher: publisherOrNoop(publisher),
		lockTTL:   lockTTL,
		batchSize: sweepBatchSize,
		owner:     uuid.New().String(),
		logger:    util.Named("sweeper"),
		now:       time.Now,
	}
}

// Sweep expires every pending pass with expiresAt before now and returns how
// many it expired. A pass reconciled between the scan and the write is left
// alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Sweeper.Sweep")
	defer span.End()

	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, sweepLockKey, s.owner, s.lockTTL)
		if err != nil {
			s.logger.Warn("Sweeper lock unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			s.logger.Debug("Sweep already running elsewhere")
			return 0, nil
		} else {
			defer func() {
				if err := s.locker.ReleaseLock(context.Background(), sweepLockKey, s.owner); err != nil {
					s.logger.Warn("Failed to release sweeper lock", zap.Error(err))
				}
			}()
		}
	}

	now := s.now().UTC()
	scanned, expired := 0, 0
	for {
		passes, err := s.store.ListExpiredPending(ctx, now, s.batchSize)
		if err != nil {
			util.RecordError(span, err)
			return expired, internalError(err, "failed to list expired passes")
		}
		scanned += len(passes)

		n := s.expireBatch(ctx, passes, now)
		expired += n
		// A short batch is the last one; a batch with no progress would be
		// listed again unchanged.
		if len(passes) < s.batchSize || n == 0 || ctx.Err() != nil {
			break
		}
	}

	span.SetAttributes(attribute.Int("expired", expired))
	if scanned > 0 {
		s.logger.Info("Expired stale pending passes", zap.Int("scanned", scanned), zap.Int("expired", expired))
	}
	return expired, nil
}

func (s *Sweeper) expireBatch(ctx context.Context, passes []models.Pass, now time.Time) int {
	expired := 0
	for i := range passes {
		pass := &passes[i]
		decision := Decide(pass.State(), TriggerExpiry)
		if !decision.Apply {
			continue
		}

		applied, err := s.store.TransitionPass(ctx, &models.PassTransition{
			PassID:        pass.ID,
			From:          pass.State(),
			To:            decision.Next,
			ExpiresBefore: &now,
		})
		if err != nil {
			s.logger.Error("Failed to expire pass", zap.Int64("pass_id", pass.ID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}

		expired++
		util.PassesExpiredTotal.Inc()
		err = s.publisher.PublishPassExpired(ctx, &models.PassExpiredEvent{
			BaseEvent:       models.NewBaseEvent(models.EventTypePassExpired),
			PassID:          pass.ID,
			MerchantOrderID: pass.MerchantOrderID,
		})
		if err != nil {
			s.logger.Warn("Failed to publish PassExpired event", zap.Error(err))
		}
	}
	return expired
}
