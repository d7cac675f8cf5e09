package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	Status *SubscriptionStatus
	UserID string
	Cursor *snowflake.ID
	Limit  int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	ReplaceLegs(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, legs []Leg) error
	ListLegs(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Leg, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Subscription, error)

	Activate(ctx context.Context, db *gorm.DB, id snowflake.ID, start, end time.Time) (bool, error)
	Cancel(ctx context.Context, db *gorm.DB, id snowflake.ID, from SubscriptionStatus, now time.Time) (bool, error)
	ExpireIfDue(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ResetForRenewal(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	SetOffer(ctx context.Context, db *gorm.DB, id snowflake.ID, offerID snowflake.ID, now time.Time) (bool, error)
}
