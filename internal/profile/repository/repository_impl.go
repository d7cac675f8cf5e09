package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() profiledomain.Repository {
	return &repo{}
}

func (r *repo) CreateBatch(ctx context.Context, db *gorm.DB, slots []profiledomain.Slot) error {
	for _, slot := range slots {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO profile_slots (id, account_id, slot_index, name, bound_subscription_id, bound_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, NULL, NULL, ?, ?)`,
			slot.ID,
			slot.AccountID,
			slot.SlotIndex,
			slot.Name,
			slot.CreatedAt,
			slot.UpdatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FreeSlots(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]profiledomain.Slot, error) {
	var slots []profiledomain.Slot
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, slot_index, name, bound_subscription_id, bound_at, created_at, updated_at
		 FROM profile_slots
		 WHERE account_id = ? AND bound_subscription_id IS NULL
		 ORDER BY slot_index ASC
		 FOR UPDATE`,
		accountID,
	).Scan(&slots).Error
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *repo) Bind(ctx context.Context, db *gorm.DB, slotID, subscriptionID snowflake.ID, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE profile_slots
		 SET bound_subscription_id = ?, bound_at = ?, updated_at = ?
		 WHERE id = ? AND bound_subscription_id IS NULL`,
		subscriptionID,
		now,
		now,
		slotID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return profiledomain.ErrSlotAlreadyBound
	}
	return nil
}

func (r *repo) Unbind(ctx context.Context, db *gorm.DB, slotID, subscriptionID snowflake.ID, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE profile_slots
		 SET bound_subscription_id = NULL, bound_at = NULL, updated_at = ?
		 WHERE id = ? AND bound_subscription_id = ?`,
		now,
		slotID,
		subscriptionID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return profiledomain.ErrSlotNotBound
	}
	return nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]profiledomain.Slot, error) {
	var slots []profiledomain.Slot
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, slot_index, name, bound_subscription_id, bound_at, created_at, updated_at
		 FROM profile_slots
		 WHERE account_id = ?
		 ORDER BY slot_index ASC`,
		accountID,
	).Scan(&slots).Error
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]profiledomain.Binding, error) {
	var bindings []profiledomain.Binding
	err := db.WithContext(ctx).Raw(
		`SELECT s.id AS slot_id, s.account_id, a.platform_id, s.slot_index, s.name AS slot_name
		 FROM profile_slots s
		 JOIN accounts a ON a.id = s.account_id
		 WHERE s.bound_subscription_id = ?
		 ORDER BY a.platform_id ASC, s.account_id ASC, s.slot_index ASC`,
		subscriptionID,
	).Scan(&bindings).Error
	if err != nil {
		return nil, err
	}
	return bindings, nil
}
