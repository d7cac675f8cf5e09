package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	"gorm.io/gorm"
)

type WorkSubscription struct {
	ID      snowflake.ID
	UserID  string
	EndDate *time.Time
}

// ClaimExpirableSubscriptions returns up to limit ACTIVE subscriptions whose
// end date has passed. Rows held by another sweeper are skipped; the claim
// transaction is short and the expiry itself re-checks the state.
func (s *Scheduler) ClaimExpirableSubscriptions(ctx context.Context, limit int) ([]WorkSubscription, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	now := s.clock.Now()
	var subscriptions []WorkSubscription
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		subscriptions, err = s.fetchExpirableSubscriptions(claimCtx, tx, now, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (s *Scheduler) fetchExpirableSubscriptions(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]WorkSubscription, error) {
	var subscriptions []WorkSubscription
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT id, user_id, end_date
		 FROM subscriptions
		 WHERE status = ? AND end_date <= ?
		 ORDER BY end_date ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		limit,
	).Scan(&subscriptions).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsForExpiry, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}
