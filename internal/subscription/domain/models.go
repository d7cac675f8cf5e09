package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPendingAllocation SubscriptionStatus = "PENDING_ALLOCATION"
	SubscriptionStatusActive            SubscriptionStatus = "ACTIVE"
	SubscriptionStatusExpired           SubscriptionStatus = "EXPIRED"
	SubscriptionStatusCancelled         SubscriptionStatus = "CANCELLED"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusPendingAllocation, SubscriptionStatusActive, SubscriptionStatusExpired, SubscriptionStatusCancelled:
		return true
	default:
		return false
	}
}

// Subscription is a user's entitlement to profile slots for a period. The
// bound slots are not stored here; they are read back from profile_slots.
type Subscription struct {
	ID           snowflake.ID       `gorm:"primaryKey" json:"id"`
	UserID       string             `gorm:"type:text;not null;index" json:"user_id"`
	OfferID      snowflake.ID       `gorm:"not null" json:"offer_id"`
	Status       SubscriptionStatus `gorm:"type:text;not null;index" json:"status"`
	StartDate    *time.Time         `json:"start_date,omitempty"`
	EndDate      *time.Time         `gorm:"index" json:"end_date,omitempty"`
	ActivatedAt  *time.Time         `json:"activated_at,omitempty"`
	ExpiredAt    *time.Time         `json:"expired_at,omitempty"`
	CancelledAt  *time.Time         `json:"cancelled_at,omitempty"`
	RenewalCount int                `gorm:"not null;default:0" json:"renewal_count"`
	Metadata     datatypes.JSONMap  `json:"metadata,omitempty"`
	CreatedAt    time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Leg is the stored slot demand of a subscription on one platform. Renewals
// allocate again from these rows.
type Leg struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"-"`
	SubscriptionID snowflake.ID `gorm:"not null;index" json:"-"`
	PlatformID     snowflake.ID `gorm:"not null" json:"platform_id"`
	SlotCount      int          `gorm:"not null" json:"slot_count"`
}

func (Leg) TableName() string { return "subscription_legs" }
