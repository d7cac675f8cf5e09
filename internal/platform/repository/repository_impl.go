package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() platformdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, platform *platformdomain.Platform) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO platforms (id, code, display_name, has_profiles, max_profiles_per_account, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		platform.ID,
		platform.Code,
		platform.DisplayName,
		platform.HasProfiles,
		platform.MaxProfilesPerAccount,
		platform.CreatedAt,
		platform.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*platformdomain.Platform, error) {
	var platform platformdomain.Platform
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, display_name, has_profiles, max_profiles_per_account, created_at, updated_at
		 FROM platforms WHERE id = ?`,
		id,
	).Scan(&platform).Error
	if err != nil {
		return nil, err
	}
	if platform.ID == 0 {
		return nil, nil
	}
	return &platform, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*platformdomain.Platform, error) {
	var platform platformdomain.Platform
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, display_name, has_profiles, max_profiles_per_account, created_at, updated_at
		 FROM platforms WHERE code = ?`,
		code,
	).Scan(&platform).Error
	if err != nil {
		return nil, err
	}
	if platform.ID == 0 {
		return nil, nil
	}
	return &platform, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]platformdomain.Platform, error) {
	var platforms []platformdomain.Platform
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, display_name, has_profiles, max_profiles_per_account, created_at, updated_at
		 FROM platforms ORDER BY display_name ASC, id ASC`,
	).Scan(&platforms).Error
	if err != nil {
		return nil, err
	}
	return platforms, nil
}

func (r *repo) InsertOffer(ctx context.Context, db *gorm.DB, offer *platformdomain.Offer) error {
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO offers (id, code, name, duration_days, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		offer.ID,
		offer.Code,
		offer.Name,
		offer.DurationDays,
		offer.CreatedAt,
		offer.UpdatedAt,
	).Error; err != nil {
		return err
	}

	for _, leg := range offer.Legs {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO offer_legs (id, offer_id, platform_id, profile_count) VALUES (?, ?, ?, ?)`,
			leg.ID,
			offer.ID,
			leg.PlatformID,
			leg.ProfileCount,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindOfferByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*platformdomain.Offer, error) {
	var offer platformdomain.Offer
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, duration_days, created_at, updated_at FROM offers WHERE id = ?`,
		id,
	).Scan(&offer).Error
	if err != nil {
		return nil, err
	}
	if offer.ID == 0 {
		return nil, nil
	}
	return r.withLegs(ctx, db, &offer)
}

func (r *repo) FindOfferByCode(ctx context.Context, db *gorm.DB, code string) (*platformdomain.Offer, error) {
	var offer platformdomain.Offer
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, duration_days, created_at, updated_at FROM offers WHERE code = ?`,
		code,
	).Scan(&offer).Error
	if err != nil {
		return nil, err
	}
	if offer.ID == 0 {
		return nil, nil
	}
	return r.withLegs(ctx, db, &offer)
}

func (r *repo) withLegs(ctx context.Context, db *gorm.DB, offer *platformdomain.Offer) (*platformdomain.Offer, error) {
	var legs []platformdomain.OfferLeg
	err := db.WithContext(ctx).Raw(
		`SELECT id, offer_id, platform_id, profile_count
		 FROM offer_legs WHERE offer_id = ? ORDER BY platform_id ASC, id ASC`,
		offer.ID,
	).Scan(&legs).Error
	if err != nil {
		return nil, err
	}
	offer.Legs = legs
	return offer, nil
}
