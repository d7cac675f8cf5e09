package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	CreateBatch(ctx context.Context, db *gorm.DB, slots []Slot) error
	FreeSlots(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Slot, error)
	Bind(ctx context.Context, db *gorm.DB, slotID, subscriptionID snowflake.ID, now time.Time) error
	Unbind(ctx context.Context, db *gorm.DB, slotID, subscriptionID snowflake.ID, now time.Time) error
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Slot, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Binding, error)
}

var (
	ErrSlotAlreadyBound = errors.New("slot_already_bound")
	ErrSlotNotBound     = errors.New("slot_not_bound")
)
