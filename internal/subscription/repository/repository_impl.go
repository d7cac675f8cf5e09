package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, user_id, offer_id, status, start_date, end_date, activated_at, expired_at, cancelled_at, renewal_count, metadata, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.UserID,
		subscription.OfferID,
		subscription.Status,
		subscription.StartDate,
		subscription.EndDate,
		subscription.ActivatedAt,
		subscription.ExpiredAt,
		subscription.CancelledAt,
		subscription.RenewalCount,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) ReplaceLegs(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, legs []subscriptiondomain.Leg) error {
	if err := db.WithContext(ctx).Exec(
		`DELETE FROM subscription_legs WHERE subscription_id = ?`,
		subscriptionID,
	).Error; err != nil {
		return err
	}

	for _, leg := range legs {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO subscription_legs (id, subscription_id, platform_id, slot_count) VALUES (?, ?, ?, ?)`,
			leg.ID,
			subscriptionID,
			leg.PlatformID,
			leg.SlotCount,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListLegs(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.Leg, error) {
	var legs []subscriptiondomain.Leg
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, platform_id, slot_count
		 FROM subscription_legs
		 WHERE subscription_id = ?
		 ORDER BY platform_id ASC, id ASC`,
		subscriptionID,
	).Scan(&legs).Error
	if err != nil {
		return nil, err
	}
	return legs, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter subscriptiondomain.ListFilter) ([]subscriptiondomain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Cursor != nil {
		query += ` AND id < ?`
		args = append(args, *filter.Cursor)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var subscriptions []subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) Activate(ctx context.Context, db *gorm.DB, id snowflake.ID, start, end time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, start_date = ?, end_date = ?, activated_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusActive,
		start,
		end,
		start,
		start,
		id,
		subscriptiondomain.SubscriptionStatusPendingAllocation,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Cancel(ctx context.Context, db *gorm.DB, id snowflake.ID, from subscriptiondomain.SubscriptionStatus, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, cancelled_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusCancelled,
		now,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ExpireIfDue is the compare-and-swap guarding expiry; a subscription that is
// no longer ACTIVE or not yet due is left untouched.
func (r *repo) ExpireIfDue(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, expired_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND end_date <= ?`,
		subscriptiondomain.SubscriptionStatusExpired,
		now,
		now,
		id,
		subscriptiondomain.SubscriptionStatusActive,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ResetForRenewal(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, start_date = NULL, end_date = NULL, renewal_count = renewal_count + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusPendingAllocation,
		now,
		id,
		subscriptiondomain.SubscriptionStatusExpired,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetOffer rebinds a subscription that holds no slots to a different offer.
func (r *repo) SetOffer(ctx context.Context, db *gorm.DB, id snowflake.ID, offerID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET offer_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		offerID,
		now,
		id,
		subscriptiondomain.SubscriptionStatusPendingAllocation,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
