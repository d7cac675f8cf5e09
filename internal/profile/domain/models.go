package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Slot is one profile seat on a shared account. It is bound to at most one
// subscription at a time; the row is the source of truth for the binding.
type Slot struct {
	ID                  snowflake.ID  `gorm:"primaryKey" json:"id"`
	AccountID           snowflake.ID  `gorm:"not null;uniqueIndex:ux_profile_slots_account_index" json:"account_id"`
	SlotIndex           int           `gorm:"not null;uniqueIndex:ux_profile_slots_account_index" json:"slot_index"`
	Name                string        `gorm:"type:text;not null" json:"name"`
	BoundSubscriptionID *snowflake.ID `gorm:"index" json:"bound_subscription_id,omitempty"`
	BoundAt             *time.Time    `json:"bound_at,omitempty"`
	CreatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Slot) TableName() string { return "profile_slots" }

func (s Slot) IsFree() bool { return s.BoundSubscriptionID == nil }

// Binding is a slot held by a subscription, as seen from the subscription.
type Binding struct {
	SlotID     snowflake.ID `json:"slot_id"`
	AccountID  snowflake.ID `json:"account_id"`
	PlatformID snowflake.ID `json:"platform_id"`
	SlotIndex  int          `json:"slot_index"`
	SlotName   string       `json:"slot_name"`
}

// SlotName returns the display name of the slot at index; index 1 is the
// account owner's profile.
func SlotName(index int) string {
	if index <= 1 {
		return "Principal"
	}
	return fmt.Sprintf("Profile %d", index)
}

// NewBatch builds the full slot set of a freshly provisioned account.
func NewBatch(node *snowflake.Node, accountID snowflake.ID, capacity int, now time.Time) []Slot {
	if capacity < 1 {
		capacity = 1
	}
	slots := make([]Slot, 0, capacity)
	for i := 1; i <= capacity; i++ {
		slots = append(slots, Slot{
			ID:        node.Generate(),
			AccountID: accountID,
			SlotIndex: i,
			Name:      SlotName(i),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return slots
}

// SelectSlots picks n slots out of free, lowest index first. It returns nil
// when free holds fewer than n slots.
func SelectSlots(free []Slot, n int) []Slot {
	if n <= 0 || len(free) < n {
		return nil
	}
	ordered := make([]Slot, len(free))
	copy(ordered, free)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SlotIndex != ordered[j].SlotIndex {
			return ordered[i].SlotIndex < ordered[j].SlotIndex
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered[:n]
}
