package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	"github.com/smallbiznis/slotbroker/pkg/db/pagination"
)

type Service interface {
	Provision(ctx context.Context, req ProvisionRequest) (AccountResponse, error)
	Get(ctx context.Context, id string) (AccountResponse, error)
	List(ctx context.Context, req ListAccountRequest) (ListAccountResponse, error)
	ListProfiles(ctx context.Context, id string) ([]profiledomain.Slot, error)
	Deactivate(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status AccountStatus) error
	SetProviderOffer(ctx context.Context, id string, providerOfferID string) error
	Reconcile(ctx context.Context, after snowflake.ID, limit int) (ReconcileResult, error)
	Capacity(ctx context.Context) ([]PlatformCapacity, error)
}

type ProvisionRequest struct {
	PlatformID      string         `json:"platform_id"`
	Label           string         `json:"label"`
	Credentials     map[string]any `json:"credentials"`
	ProviderOfferID string         `json:"provider_offer_id"`
}

type ListAccountRequest struct {
	PlatformID string
	PageToken  string
	PageSize   int
}

type AccountResponse struct {
	ID              string        `json:"id"`
	PlatformID      string        `json:"platform_id"`
	Label           string        `json:"label"`
	ProviderOfferID *string       `json:"provider_offer_id,omitempty"`
	Status          AccountStatus `json:"status"`
	Availability    bool          `json:"availability"`
	TotalSlots      int           `json:"total_slots"`
	FreeSlots       int           `json:"free_slots"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type ListAccountResponse struct {
	Accounts []AccountResponse `json:"accounts"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type ReconcileResult struct {
	Processed int
	Changed   int
	LastID    snowflake.ID
}

var (
	ErrInvalidAccountID       = errors.New("invalid_account_id")
	ErrInvalidProviderOfferID = errors.New("invalid_provider_offer_id")
	ErrInvalidLabel           = errors.New("invalid_label")
	ErrInvalidStatus          = errors.New("invalid_status")
	ErrInvalidPageToken       = errors.New("invalid_page_token")
	ErrAccountNotFound        = errors.New("account_not_found")
)
