package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Account, error)
	ListIDsAfter(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]snowflake.ID, error)
	CountSlots(ctx context.Context, db *gorm.DB, accountIDs []snowflake.ID) (map[snowflake.ID]SlotCount, error)
	ListCandidates(ctx context.Context, db *gorm.DB, platformID snowflake.ID, requiredSlots int) ([]Candidate, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status AccountStatus, now time.Time) error
	UpdateProviderOffer(ctx context.Context, db *gorm.DB, id snowflake.ID, providerOfferID *snowflake.ID, now time.Time) error
	RecomputeAvailability(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	CapacityByPlatform(ctx context.Context, db *gorm.DB) ([]PlatformCapacity, error)
}

type SlotCount struct {
	Total int
	Free  int
}
