package domain

import (
	"context"
	"errors"
)

type Service interface {
	GetPlatform(ctx context.Context, id string) (Platform, error)
	ListPlatforms(ctx context.Context) ([]Platform, error)
	GetOffer(ctx context.Context, id string) (Offer, error)
}

var (
	ErrInvalidPlatformID = errors.New("invalid_platform_id")
	ErrInvalidOfferID    = errors.New("invalid_offer_id")
	ErrPlatformNotFound  = errors.New("platform_not_found")
	ErrOfferNotFound     = errors.New("offer_not_found")
)
