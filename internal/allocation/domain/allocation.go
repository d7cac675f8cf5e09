// Package domain describes best-fit slot allocation over the account pool.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	"gorm.io/gorm"
)

// Leg is the demand of one subscription on one platform. A leg is always
// served by a single account.
type Leg struct {
	PlatformID snowflake.ID
	SlotCount  int
}

// Allocator binds and releases profile slots. Every method runs inside the
// caller's transaction.
type Allocator interface {
	Allocate(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, legs []Leg) ([]profiledomain.Binding, error)
	AllocateLeg(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, leg Leg) ([]profiledomain.Binding, error)
	Release(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (int, error)
}

var (
	ErrAllocationExhausted = errors.New("allocation_exhausted")
	ErrSlotContention      = errors.New("slot_contention")
	ErrInvalidLeg          = errors.New("invalid_leg")
)
