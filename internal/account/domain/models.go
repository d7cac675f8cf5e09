package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AccountStatus string

const (
	AccountStatusActive      AccountStatus = "ACTIVE"
	AccountStatusInactive    AccountStatus = "INACTIVE"
	AccountStatusLocked      AccountStatus = "LOCKED"
	AccountStatusMaintenance AccountStatus = "MAINTENANCE"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusInactive, AccountStatusLocked, AccountStatusMaintenance:
		return true
	default:
		return false
	}
}

// Account is one shared login on a platform. Availability is a cached
// projection of status and free slots, recomputed after every binding change.
type Account struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	PlatformID      snowflake.ID      `gorm:"not null;index"`
	Label           string            `gorm:"type:text;not null"`
	Credentials     datatypes.JSONMap
	ProviderOfferID *snowflake.ID     `gorm:"column:provider_offer_id"`
	Status          AccountStatus     `gorm:"type:text;not null"`
	Availability    bool              `gorm:"not null;default:false"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Account) TableName() string { return "accounts" }

// Candidate is an ACTIVE account holding at least the requested number of
// free slots, as seen when the candidate list was read.
type Candidate struct {
	AccountID   snowflake.ID
	PlatformID  snowflake.ID
	FreeSlots   int
	MaxProfiles int
}

type ListFilter struct {
	PlatformID *snowflake.ID
	Cursor     *snowflake.ID
	Limit      int
}

// PlatformCapacity summarizes pool capacity for one platform.
type PlatformCapacity struct {
	PlatformID        snowflake.ID
	AccountsTotal     int64
	AccountsActive    int64
	AccountsAvailable int64
	SlotsTotal        int64
	SlotsFree         int64
}
