package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/slotbroker/internal/audit/domain"
	"github.com/smallbiznis/slotbroker/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Cancel ends a subscription at an operator's request and frees its slots.
// Cancelling an expired or cancelled subscription is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	subscriptionID, err := parseID(id, subscriptiondomain.ErrInvalidSubscriptionID)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "subscription.cancel")
	defer span.End()

	var from subscriptiondomain.SubscriptionStatus
	var noop bool
	var released int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		from = subscription.Status
		if subscription.Status.IsTerminal() {
			noop = true
			return nil
		}
		if !subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusCancelled) {
			return subscriptiondomain.ErrInvalidTransition
		}

		ok, err := s.repo.Cancel(ctx, tx, subscriptionID, subscription.Status, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			noop = true
			return nil
		}

		if subscription.Status == subscriptiondomain.SubscriptionStatusActive {
			released, err = s.allocator.Release(ctx, tx, subscriptionID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	log := logger.WithContext(ctx, s.log)
	if noop {
		log.Info("subscription.cancel.noop",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("status", string(from)),
		)
		return nil
	}

	s.metrics.RecordSlotsReleased(ctx, "cancelled", released)
	log.Info("subscription.cancelled",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("from", string(from)),
		zap.Int("released_slots", released),
	)

	if s.auditSvc != nil {
		targetID := subscriptionID.String()
		err := s.auditSvc.AuditLog(ctx, "", nil, auditdomain.ActionSubscriptionCancelled, auditdomain.TargetTypeSubscription, &targetID, map[string]any{
			"from":           string(from),
			"released_slots": released,
		})
		if err != nil {
			log.Warn("subscription.audit.failed", zap.Error(err))
		}
	}
	return nil
}

// Expire moves a due ACTIVE subscription to EXPIRED and releases its slots.
// It returns false when the subscription was not due or already moved on.
func (s *Service) Expire(ctx context.Context, id snowflake.ID) (bool, error) {
	var expired bool
	var released int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.ExpireIfDue(ctx, tx, id, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		expired = true

		released, err = s.allocator.Release(ctx, tx, id)
		return err
	})
	if err != nil {
		return false, err
	}
	if !expired {
		return false, nil
	}

	s.metrics.RecordSlotsReleased(ctx, "expired", released)
	obsmetrics.Scheduler().AddSlotsReclaimed(released)
	logger.WithContext(ctx, s.log).Info("subscription.expired",
		zap.String("subscription_id", id.String()),
		zap.Int("released_slots", released),
	)
	return true, nil
}
