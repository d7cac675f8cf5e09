package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbroker/internal/clock"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	"go.uber.org/fx"
)

const (
	defaultPlatformTTL = 10 * time.Minute
	defaultOfferTTL    = 10 * time.Minute
)

// CatalogCache keeps platform and offer lookups off the database on the
// allocation path. Catalog rows never change after they are seeded.
type CatalogCache interface {
	GetPlatform(id snowflake.ID) (platformdomain.Platform, bool)
	SetPlatform(platform platformdomain.Platform)
	GetOffer(id snowflake.ID) (platformdomain.Offer, bool)
	SetOffer(offer platformdomain.Offer)
}

type catalogCache struct {
	platforms   Cache[snowflake.ID, platformdomain.Platform]
	offers      Cache[snowflake.ID, platformdomain.Offer]
	platformTTL time.Duration
	offerTTL    time.Duration
}

func NewCatalogCache(c clock.Clock) CatalogCache {
	return &catalogCache{
		platforms:   NewTTLCache[snowflake.ID, platformdomain.Platform](c),
		offers:      NewTTLCache[snowflake.ID, platformdomain.Offer](c),
		platformTTL: defaultPlatformTTL,
		offerTTL:    defaultOfferTTL,
	}
}

func (c *catalogCache) GetPlatform(id snowflake.ID) (platformdomain.Platform, bool) {
	return c.platforms.Get(id)
}

func (c *catalogCache) SetPlatform(platform platformdomain.Platform) {
	if platform.ID == 0 {
		return
	}
	c.platforms.Set(platform.ID, platform, c.platformTTL)
}

func (c *catalogCache) GetOffer(id snowflake.ID) (platformdomain.Offer, bool) {
	offer, ok := c.offers.Get(id)
	if !ok {
		return platformdomain.Offer{}, false
	}
	offer.Legs = append([]platformdomain.OfferLeg(nil), offer.Legs...)
	return offer, true
}

func (c *catalogCache) SetOffer(offer platformdomain.Offer) {
	if offer.ID == 0 {
		return
	}
	offer.Legs = append([]platformdomain.OfferLeg(nil), offer.Legs...)
	c.offers.Set(offer.ID, offer, c.offerTTL)
}

var Module = fx.Module("catalog.cache",
	fx.Provide(NewCatalogCache),
)
