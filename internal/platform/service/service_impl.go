package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbroker/internal/cache"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  platformdomain.Repository
	cache cache.CatalogCache
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  platformdomain.Repository
	Cache cache.CatalogCache `optional:"true"`
}

func NewService(p ServiceParam) platformdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("platform.service"),
		repo:  p.Repo,
		cache: p.Cache,
	}
}

func (s *Service) GetPlatform(ctx context.Context, id string) (platformdomain.Platform, error) {
	platformID, err := parseID(id, platformdomain.ErrInvalidPlatformID)
	if err != nil {
		return platformdomain.Platform{}, err
	}

	if s.cache != nil {
		if cached, ok := s.cache.GetPlatform(platformID); ok {
			return cached, nil
		}
	}

	platform, err := s.repo.FindByID(ctx, s.db, platformID)
	if err != nil {
		return platformdomain.Platform{}, err
	}
	if platform == nil {
		return platformdomain.Platform{}, platformdomain.ErrPlatformNotFound
	}
	if s.cache != nil {
		s.cache.SetPlatform(*platform)
	}
	return *platform, nil
}

func (s *Service) ListPlatforms(ctx context.Context) ([]platformdomain.Platform, error) {
	platforms, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if platforms == nil {
		platforms = []platformdomain.Platform{}
	}
	return platforms, nil
}

func (s *Service) GetOffer(ctx context.Context, id string) (platformdomain.Offer, error) {
	offerID, err := parseID(id, platformdomain.ErrInvalidOfferID)
	if err != nil {
		return platformdomain.Offer{}, err
	}

	if s.cache != nil {
		if cached, ok := s.cache.GetOffer(offerID); ok {
			return cached, nil
		}
	}

	offer, err := s.repo.FindOfferByID(ctx, s.db, offerID)
	if err != nil {
		return platformdomain.Offer{}, err
	}
	if offer == nil {
		return platformdomain.Offer{}, platformdomain.ErrOfferNotFound
	}
	if s.cache != nil {
		s.cache.SetOffer(*offer)
	}
	return *offer, nil
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, invalidErr
	}
	return id, nil
}
