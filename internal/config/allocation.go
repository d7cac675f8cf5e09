package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AllocationPolicy tunes the allocation retry loop. It is hot-reloaded from
// policy.yml so operators can adjust contention handling without a restart.
type AllocationPolicy struct {
	MaxAttempts         int           `mapstructure:"maxAttempts"`
	InitialBackoff      time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff          time.Duration `mapstructure:"maxBackoff"`
	LockTimeout         time.Duration `mapstructure:"lockTimeout"`
	DefaultDurationDays int           `mapstructure:"defaultDurationDays"`
}

// CatalogSeed describes reference data loaded by the dev seeder.
type CatalogSeed struct {
	Platforms []PlatformSeed `mapstructure:"platforms"`
	Offers    []OfferSeed    `mapstructure:"offers"`
}

type PlatformSeed struct {
	DisplayName           string `mapstructure:"displayName"`
	HasProfiles           bool   `mapstructure:"hasProfiles"`
	MaxProfilesPerAccount int    `mapstructure:"maxProfilesPerAccount"`
}

type OfferSeed struct {
	Code         string         `mapstructure:"code"`
	Name         string         `mapstructure:"name"`
	DurationDays int            `mapstructure:"durationDays"`
	Legs         []OfferLegSeed `mapstructure:"legs"`
}

type OfferLegSeed struct {
	Platform string `mapstructure:"platform"`
	Profiles int    `mapstructure:"profiles"`
}

func DefaultAllocationPolicy() AllocationPolicy {
	return AllocationPolicy{
		MaxAttempts:         3,
		InitialBackoff:      25 * time.Millisecond,
		MaxBackoff:          250 * time.Millisecond,
		LockTimeout:         2 * time.Second,
		DefaultDurationDays: 30,
	}
}

type AllocationPolicyHolder struct {
	current atomic.Value // holds AllocationPolicy
	catalog atomic.Value // holds CatalogSeed
}

// NewStaticPolicyHolder wraps a fixed policy, for tests and tools.
func NewStaticPolicyHolder(policy AllocationPolicy) *AllocationPolicyHolder {
	holder := &AllocationPolicyHolder{}
	holder.current.Store(policy)
	holder.catalog.Store(CatalogSeed{})
	return holder
}

func NewAllocationPolicyHolder(cfg Config, log *zap.Logger) (*AllocationPolicyHolder, error) {
	log = log.Named("config.policy")
	v := viper.New()

	if cfg.PolicyFile != "" {
		v.SetConfigFile(cfg.PolicyFile)
	} else {
		v.SetConfigName("policy")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/slotbroker")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SLOTBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAllocationPolicy()
	v.SetDefault("allocation.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("allocation.initialBackoff", defaults.InitialBackoff)
	v.SetDefault("allocation.maxBackoff", defaults.MaxBackoff)
	v.SetDefault("allocation.lockTimeout", defaults.LockTimeout)
	v.SetDefault("allocation.defaultDurationDays", defaults.DefaultDurationDays)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		fileLoaded = false
	}

	policy, catalog, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &AllocationPolicyHolder{}
	holder.current.Store(policy)
	holder.catalog.Store(catalog)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, updatedCatalog, err := decodePolicy(v)
			if err != nil {
				log.Warn("invalid policy ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			holder.catalog.Store(updatedCatalog)
			log.Info("policy reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *AllocationPolicyHolder) Get() AllocationPolicy {
	return h.current.Load().(AllocationPolicy)
}

func (h *AllocationPolicyHolder) Catalog() CatalogSeed {
	return h.catalog.Load().(CatalogSeed)
}

func decodePolicy(v *viper.Viper) (AllocationPolicy, CatalogSeed, error) {
	var policy AllocationPolicy
	if err := v.UnmarshalKey("allocation", &policy); err != nil {
		return AllocationPolicy{}, CatalogSeed{}, err
	}
	if err := ValidateAllocationPolicy(policy); err != nil {
		return AllocationPolicy{}, CatalogSeed{}, err
	}

	var catalog CatalogSeed
	if err := v.UnmarshalKey("catalog", &catalog); err != nil {
		return AllocationPolicy{}, CatalogSeed{}, err
	}
	if err := validateCatalogSeed(catalog); err != nil {
		return AllocationPolicy{}, CatalogSeed{}, err
	}
	return policy, catalog, nil
}

func ValidateAllocationPolicy(p AllocationPolicy) error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		return errors.New("allocation.maxAttempts must be between 1 and 10")
	}
	if p.InitialBackoff <= 0 {
		return errors.New("allocation.initialBackoff must be positive")
	}
	if p.MaxBackoff < p.InitialBackoff {
		return errors.New("allocation.maxBackoff must not be lower than initialBackoff")
	}
	if p.LockTimeout < 0 {
		return errors.New("allocation.lockTimeout cannot be negative")
	}
	if p.DefaultDurationDays < 1 {
		return errors.New("allocation.defaultDurationDays must be positive")
	}
	return nil
}

func validateCatalogSeed(c CatalogSeed) error {
	for _, p := range c.Platforms {
		if strings.TrimSpace(p.DisplayName) == "" {
			return errors.New("catalog.platforms[].displayName is required")
		}
		if p.HasProfiles && p.MaxProfilesPerAccount < 1 {
			return fmt.Errorf("catalog platform %q needs maxProfilesPerAccount", p.DisplayName)
		}
	}
	for _, o := range c.Offers {
		if strings.TrimSpace(o.Code) == "" || o.DurationDays < 1 {
			return fmt.Errorf("catalog offer %q needs a code and a positive durationDays", o.Name)
		}
		if len(o.Legs) == 0 {
			return fmt.Errorf("catalog offer %q has no legs", o.Code)
		}
	}
	return nil
}
