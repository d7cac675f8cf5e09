package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	allocationdomain "github.com/smallbiznis/slotbroker/internal/allocation/domain"
	"github.com/smallbiznis/slotbroker/internal/clock"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	metrics *obsmetrics.Metrics

	accountRepo accountdomain.Repository
	profileRepo profiledomain.Repository
}

type ServiceParam struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Metrics     *obsmetrics.Metrics `optional:"true"`
	AccountRepo accountdomain.Repository
	ProfileRepo profiledomain.Repository
}

func NewService(p ServiceParam) allocationdomain.Allocator {
	return &Service{
		log:     p.Log.Named("allocation.service"),
		clock:   p.Clock,
		metrics: p.Metrics,

		accountRepo: p.AccountRepo,
		profileRepo: p.ProfileRepo,
	}
}

// Allocate serves every leg or none; the caller rolls the transaction back
// on error. Legs are visited in platform order so concurrent requests lock
// accounts in a stable sequence.
func (s *Service) Allocate(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, legs []allocationdomain.Leg) ([]profiledomain.Binding, error) {
	if len(legs) == 0 {
		return nil, allocationdomain.ErrInvalidLeg
	}

	ordered := make([]allocationdomain.Leg, len(legs))
	copy(ordered, legs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PlatformID < ordered[j].PlatformID
	})

	bindings := make([]profiledomain.Binding, 0)
	for _, leg := range ordered {
		bound, err := s.AllocateLeg(ctx, tx, subscriptionID, leg)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, bound...)
	}
	return bindings, nil
}

func (s *Service) AllocateLeg(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, leg allocationdomain.Leg) ([]profiledomain.Binding, error) {
	if leg.PlatformID == 0 || leg.SlotCount < 1 {
		return nil, allocationdomain.ErrInvalidLeg
	}

	candidates, err := s.accountRepo.ListCandidates(ctx, tx, leg.PlatformID, leg.SlotCount)
	if err != nil {
		return nil, err
	}
	ranked := Rank(candidates, leg.SlotCount)
	if len(ranked) == 0 {
		return nil, allocationdomain.ErrAllocationExhausted
	}
	best := ranked[0]

	lockStart := time.Now()
	account, err := s.accountRepo.FindByIDForUpdate(ctx, tx, best.AccountID)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceAccountSlots, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	if account == nil || account.Status != accountdomain.AccountStatusActive {
		return nil, fmt.Errorf("%w: account %s left the pool", allocationdomain.ErrSlotContention, best.AccountID)
	}

	free, err := s.profileRepo.FreeSlots(ctx, tx, account.ID)
	if err != nil {
		return nil, err
	}
	selected := profiledomain.SelectSlots(free, leg.SlotCount)
	if selected == nil {
		return nil, fmt.Errorf("%w: account %s has %d free slots", allocationdomain.ErrSlotContention, account.ID, len(free))
	}

	now := s.clock.Now()
	bindings := make([]profiledomain.Binding, 0, len(selected))
	for _, slot := range selected {
		if err := s.profileRepo.Bind(ctx, tx, slot.ID, subscriptionID, now); err != nil {
			if errors.Is(err, profiledomain.ErrSlotAlreadyBound) {
				return nil, fmt.Errorf("%w: slot %s", allocationdomain.ErrSlotContention, slot.ID)
			}
			return nil, err
		}
		bindings = append(bindings, profiledomain.Binding{
			SlotID:     slot.ID,
			AccountID:  account.ID,
			PlatformID: account.PlatformID,
			SlotIndex:  slot.SlotIndex,
			SlotName:   slot.Name,
		})
	}

	available, err := s.accountRepo.RecomputeAvailability(ctx, tx, account.ID, now)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSlotsBound(ctx, leg.PlatformID.String(), len(bindings))
	s.log.Debug("allocation.leg.bound",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("platform_id", leg.PlatformID.String()),
		zap.String("account_id", account.ID.String()),
		zap.Int("slots", len(bindings)),
		zap.Int("leftover", best.FreeSlots-leg.SlotCount),
		zap.Bool("availability", available),
	)
	return bindings, nil
}

// Release frees every slot bound to the subscription. Accounts are locked
// in id order and their availability is recomputed once each.
func (s *Service) Release(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (int, error) {
	bindings, err := s.profileRepo.ListBySubscription(ctx, tx, subscriptionID)
	if err != nil {
		return 0, err
	}
	if len(bindings) == 0 {
		return 0, nil
	}

	byAccount := make(map[snowflake.ID][]profiledomain.Binding)
	accountIDs := make([]snowflake.ID, 0)
	for _, b := range bindings {
		if _, ok := byAccount[b.AccountID]; !ok {
			accountIDs = append(accountIDs, b.AccountID)
		}
		byAccount[b.AccountID] = append(byAccount[b.AccountID], b)
	}
	sort.Slice(accountIDs, func(i, j int) bool { return accountIDs[i] < accountIDs[j] })

	now := s.clock.Now()
	released := 0
	for _, accountID := range accountIDs {
		lockStart := time.Now()
		_, err := s.accountRepo.FindByIDForUpdate(ctx, tx, accountID)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceAccountSlots, time.Since(lockStart))
		if err != nil {
			return 0, err
		}

		for _, b := range byAccount[accountID] {
			if err := s.profileRepo.Unbind(ctx, tx, b.SlotID, subscriptionID, now); err != nil {
				return 0, fmt.Errorf("release slot %s: %w", b.SlotID, err)
			}
			released++
		}

		if _, err := s.accountRepo.RecomputeAvailability(ctx, tx, accountID, now); err != nil {
			return 0, err
		}
	}

	s.log.Debug("allocation.released",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("slots", released),
		zap.Int("accounts", len(accountIDs)),
	)
	return released, nil
}
