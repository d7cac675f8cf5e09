// Package domain holds the platform catalog: streaming platforms and the
// offers sold against them. Both are reference data.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Platform is a streaming service whose accounts are shared.
type Platform struct {
	ID                    snowflake.ID `gorm:"primaryKey" json:"id"`
	Code                  string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	DisplayName           string       `gorm:"type:text;not null" json:"display_name"`
	HasProfiles           bool         `gorm:"not null;default:true" json:"has_profiles"`
	MaxProfilesPerAccount int          `gorm:"not null;default:1" json:"max_profiles_per_account"`
	CreatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Platform) TableName() string { return "platforms" }

// SlotCapacity is the number of profile slots every account of the platform
// carries. A platform without profiles is a single-occupancy account.
func (p Platform) SlotCapacity() int {
	if !p.HasProfiles {
		return 1
	}
	if p.MaxProfilesPerAccount < 1 {
		return 1
	}
	return p.MaxProfilesPerAccount
}

// Offer is a sellable package with a fixed duration, possibly bundling
// several platforms.
type Offer struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	Code         string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name         string       `gorm:"type:text;not null" json:"name"`
	DurationDays int          `gorm:"not null" json:"duration_days"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Legs []OfferLeg `gorm:"-" json:"legs"`
}

func (Offer) TableName() string { return "offers" }

// OfferLeg is the default slot demand of an offer on one platform.
type OfferLeg struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"-"`
	OfferID      snowflake.ID `gorm:"not null;index" json:"-"`
	PlatformID   snowflake.ID `gorm:"not null" json:"platform_id"`
	ProfileCount int          `gorm:"not null" json:"profile_count"`
}

func (OfferLeg) TableName() string { return "offer_legs" }
