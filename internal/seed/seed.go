// Package seed loads the platform catalog described in the policy file into
// an empty or partially seeded database. Existing rows are never modified.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/slotbroker/internal/config"
	"gorm.io/gorm"
)

type Result struct {
	Platforms int
	Offers    int
}

// EnsureCatalog inserts every platform and offer of catalog whose code is not
// present yet. Platform codes are the slug of the display name; offer legs
// reference platforms by display name or code.
func EnsureCatalog(ctx context.Context, db *gorm.DB, node *snowflake.Node, catalog config.CatalogSeed) (Result, error) {
	if db == nil {
		return Result{}, errors.New("seed database handle is required")
	}
	if node == nil {
		return Result{}, errors.New("seed id generator is required")
	}

	var result Result
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		for _, p := range catalog.Platforms {
			created, err := ensurePlatformTx(ctx, tx, node, p, now)
			if err != nil {
				return err
			}
			if created {
				result.Platforms++
			}
		}

		for _, o := range catalog.Offers {
			created, err := ensureOfferTx(ctx, tx, node, o, now)
			if err != nil {
				return err
			}
			if created {
				result.Offers++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func ensurePlatformTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, p config.PlatformSeed, now time.Time) (bool, error) {
	code := slug.Make(p.DisplayName)
	if code == "" {
		return false, fmt.Errorf("platform %q has no usable code", p.DisplayName)
	}

	if _, found, err := lookupID(ctx, tx, "platforms", code); err != nil || found {
		return false, err
	}

	maxProfiles := p.MaxProfilesPerAccount
	if !p.HasProfiles {
		maxProfiles = 1
	}

	err := tx.WithContext(ctx).Exec(
		`INSERT INTO platforms (id, code, display_name, has_profiles, max_profiles_per_account, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		node.Generate(), code, strings.TrimSpace(p.DisplayName), p.HasProfiles, maxProfiles, now, now,
	).Error
	if err != nil {
		return false, fmt.Errorf("seed platform %s: %w", code, err)
	}
	return true, nil
}

func ensureOfferTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, o config.OfferSeed, now time.Time) (bool, error) {
	code := slug.Make(o.Code)
	if _, found, err := lookupID(ctx, tx, "offers", code); err != nil || found {
		return false, err
	}

	name := strings.TrimSpace(o.Name)
	if name == "" {
		name = o.Code
	}

	offerID := node.Generate()
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO offers (id, code, name, duration_days, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		offerID, code, name, o.DurationDays, now, now,
	).Error
	if err != nil {
		return false, fmt.Errorf("seed offer %s: %w", code, err)
	}

	for _, leg := range o.Legs {
		platformCode := slug.Make(leg.Platform)
		platformID, found, err := lookupID(ctx, tx, "platforms", platformCode)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("seed offer %s: unknown platform %q", code, leg.Platform)
		}
		if leg.Profiles < 1 {
			return false, fmt.Errorf("seed offer %s: leg %q needs at least one profile", code, leg.Platform)
		}

		err = tx.WithContext(ctx).Exec(
			`INSERT INTO offer_legs (id, offer_id, platform_id, profile_count) VALUES (?, ?, ?, ?)`,
			node.Generate(), offerID, platformID, leg.Profiles,
		).Error
		if err != nil {
			return false, fmt.Errorf("seed offer %s leg: %w", code, err)
		}
	}
	return true, nil
}

func lookupID(ctx context.Context, tx *gorm.DB, table, code string) (snowflake.ID, bool, error) {
	var ids []int64
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM `+table+` WHERE code = ? LIMIT 1`, code,
	).Scan(&ids).Error
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return snowflake.ID(ids[0]), true, nil
}
