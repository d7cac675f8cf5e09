package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbroker/pkg/db/pagination"
)

type Service interface {
	RequestAllocation(ctx context.Context, req RequestAllocationRequest) (ActivationResponse, error)
	Renew(ctx context.Context, id string) (ActivationResponse, error)
	Cancel(ctx context.Context, id string) error
	Expire(ctx context.Context, id snowflake.ID) (bool, error)
	Get(ctx context.Context, id string) (SubscriptionResponse, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
}

type LegRequest struct {
	PlatformID string `json:"platform_id" validate:"required"`
	SlotCount  int    `json:"slot_count" validate:"gte=1,lte=64"`
}

// RequestAllocationRequest asks for slots on behalf of a paid order. Legs
// default to the offer's legs when omitted.
type RequestAllocationRequest struct {
	SubscriptionID string         `json:"subscription_id" validate:"required"`
	UserID         string         `json:"user_id" validate:"required,max=128"`
	OfferID        string         `json:"offer_id" validate:"required"`
	Legs           []LegRequest   `json:"legs" validate:"omitempty,max=16,dive"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type BindingResponse struct {
	AccountID  string `json:"account_id"`
	PlatformID string `json:"platform_id"`
	SlotID     string `json:"slot_id"`
	SlotIndex  int    `json:"slot_index"`
	SlotName   string `json:"slot_name"`
}

type ActivationResponse struct {
	SubscriptionID string             `json:"subscription_id"`
	Status         SubscriptionStatus `json:"status"`
	StartDate      *time.Time         `json:"start_date,omitempty"`
	EndDate        *time.Time         `json:"end_date,omitempty"`
	Bindings       []BindingResponse  `json:"bindings"`
	Replayed       bool               `json:"replayed"`
}

type LegResponse struct {
	PlatformID string `json:"platform_id"`
	SlotCount  int    `json:"slot_count"`
}

type SubscriptionResponse struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	OfferID      string             `json:"offer_id"`
	Status       SubscriptionStatus `json:"status"`
	StartDate    *time.Time         `json:"start_date,omitempty"`
	EndDate      *time.Time         `json:"end_date,omitempty"`
	ActivatedAt  *time.Time         `json:"activated_at,omitempty"`
	ExpiredAt    *time.Time         `json:"expired_at,omitempty"`
	CancelledAt  *time.Time         `json:"cancelled_at,omitempty"`
	RenewalCount int                `json:"renewal_count"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	Legs         []LegResponse      `json:"legs"`
	Bindings     []BindingResponse  `json:"bindings"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type ListSubscriptionRequest struct {
	Status    string
	UserID    string
	PageToken string
	PageSize  int
}

type ListSubscriptionResponse struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
	PageInfo      pagination.PageInfo    `json:"page_info"`
}

var (
	ErrInvalidRequest           = errors.New("invalid_request")
	ErrInvalidSubscriptionID    = errors.New("invalid_subscription_id")
	ErrInvalidStatus            = errors.New("invalid_status")
	ErrInvalidPageToken         = errors.New("invalid_page_token")
	ErrSlotCountExceedsCapacity = errors.New("slot_count_exceeds_capacity")
	ErrSubscriptionNotFound     = errors.New("subscription_not_found")
	ErrSubscriptionTerminal     = errors.New("subscription_terminal")
	ErrInvalidTransition        = errors.New("invalid_transition")
	ErrUserMismatch             = errors.New("subscription_user_mismatch")
)
