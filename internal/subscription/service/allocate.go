package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	allocationdomain "github.com/smallbiznis/slotbroker/internal/allocation/domain"
	obscontext "github.com/smallbiznis/slotbroker/internal/observability/context"
	"github.com/smallbiznis/slotbroker/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	"github.com/smallbiznis/slotbroker/internal/observability/tracing"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	slotdb "github.com/smallbiznis/slotbroker/pkg/db"
	"github.com/smallbiznis/slotbroker/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type allocationPlan struct {
	subscriptionID snowflake.ID
	userID         string
	offerID        snowflake.ID
	durationDays   int
	legs           []allocationdomain.Leg
	metadata       map[string]any
}

// RequestAllocation persists the subscription as pending, then binds slots
// for every leg in one transaction. A pending record survives an exhausted
// pool so the order can be resolved later.
func (s *Service) RequestAllocation(ctx context.Context, req subscriptiondomain.RequestAllocationRequest) (subscriptiondomain.ActivationResponse, error) {
	started := time.Now()
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	ctx, span := tracer.Start(ctx, "subscription.request_allocation")
	defer span.End()

	plan, err := s.planAllocation(ctx, req)
	if err != nil {
		s.finish(ctx, span, started, false, err)
		return subscriptiondomain.ActivationResponse{}, err
	}
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("subscription_id", plan.subscriptionID.String()),
		attribute.Int("legs", len(plan.legs)),
	)...)

	replay, err := s.ensurePending(ctx, plan)
	if err != nil {
		s.finish(ctx, span, started, false, err)
		return subscriptiondomain.ActivationResponse{}, err
	}
	if replay != nil {
		s.finish(ctx, span, started, true, nil)
		return *replay, nil
	}

	resp, err := s.allocateWithRetry(ctx, plan.subscriptionID, plan.legs, plan.durationDays)
	s.finish(ctx, span, started, resp.Replayed, err)
	if err != nil {
		return subscriptiondomain.ActivationResponse{}, err
	}
	return resp, nil
}

// Renew starts a new period for an expired subscription using its stored
// legs. A subscription still pending from an exhausted attempt is retried.
func (s *Service) Renew(ctx context.Context, id string) (subscriptiondomain.ActivationResponse, error) {
	started := time.Now()
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	ctx, span := tracer.Start(ctx, "subscription.renew")
	defer span.End()

	resp, err := s.renew(ctx, id)
	s.finish(ctx, span, started, resp.Replayed, err)
	return resp, err
}

func (s *Service) renew(ctx context.Context, id string) (subscriptiondomain.ActivationResponse, error) {
	subscriptionID, err := parseID(id, subscriptiondomain.ErrInvalidSubscriptionID)
	if err != nil {
		return subscriptiondomain.ActivationResponse{}, err
	}

	current, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.ActivationResponse{}, err
	}
	if current == nil {
		return subscriptiondomain.ActivationResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	offer, err := s.platformSvc.GetOffer(ctx, current.OfferID.String())
	if err != nil {
		return subscriptiondomain.ActivationResponse{}, err
	}

	var legs []allocationdomain.Leg
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		switch subscription.Status {
		case subscriptiondomain.SubscriptionStatusExpired:
			ok, err := s.repo.ResetForRenewal(ctx, tx, subscriptionID, s.clock.Now())
			if err != nil {
				return err
			}
			if !ok {
				return subscriptiondomain.ErrInvalidTransition
			}
		case subscriptiondomain.SubscriptionStatusPendingAllocation:
		case subscriptiondomain.SubscriptionStatusCancelled:
			return subscriptiondomain.ErrSubscriptionTerminal
		default:
			return subscriptiondomain.ErrInvalidTransition
		}

		stored, err := s.repo.ListLegs(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		for _, leg := range stored {
			legs = append(legs, allocationdomain.Leg{PlatformID: leg.PlatformID, SlotCount: leg.SlotCount})
		}
		return nil
	})
	if err != nil {
		return subscriptiondomain.ActivationResponse{}, err
	}
	if len(legs) == 0 {
		return subscriptiondomain.ActivationResponse{}, fmt.Errorf("%w: subscription has no legs", subscriptiondomain.ErrInvalidRequest)
	}

	logger.WithContext(ctx, s.log).Info("subscription.renewal.started",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("legs", len(legs)),
	)
	return s.allocateWithRetry(ctx, subscriptionID, legs, s.durationDays(offer))
}

func (s *Service) planAllocation(ctx context.Context, req subscriptiondomain.RequestAllocationRequest) (allocationPlan, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return allocationPlan{}, fmt.Errorf("%w: %s", subscriptiondomain.ErrInvalidRequest, describeValidation(err))
	}

	subscriptionID, err := parseID(req.SubscriptionID, subscriptiondomain.ErrInvalidSubscriptionID)
	if err != nil {
		return allocationPlan{}, err
	}

	offer, err := s.platformSvc.GetOffer(ctx, req.OfferID)
	if err != nil {
		return allocationPlan{}, err
	}

	requested := make([]subscriptiondomain.LegRequest, 0, len(req.Legs))
	if len(req.Legs) > 0 {
		requested = append(requested, req.Legs...)
	} else {
		for _, leg := range offer.Legs {
			requested = append(requested, subscriptiondomain.LegRequest{
				PlatformID: leg.PlatformID.String(),
				SlotCount:  leg.ProfileCount,
			})
		}
	}
	if len(requested) == 0 {
		return allocationPlan{}, fmt.Errorf("%w: offer %s has no legs", subscriptiondomain.ErrInvalidRequest, offer.ID)
	}

	legs := make([]allocationdomain.Leg, 0, len(requested))
	for _, leg := range requested {
		platform, err := s.platformSvc.GetPlatform(ctx, leg.PlatformID)
		if err != nil {
			return allocationPlan{}, err
		}
		if leg.SlotCount < 1 {
			return allocationPlan{}, fmt.Errorf("%w: slot_count must be positive", subscriptiondomain.ErrInvalidRequest)
		}
		if leg.SlotCount > platform.SlotCapacity() {
			return allocationPlan{}, fmt.Errorf("%w: %s accounts hold %d slots, %d requested",
				subscriptiondomain.ErrSlotCountExceedsCapacity, platform.Code, platform.SlotCapacity(), leg.SlotCount)
		}
		legs = append(legs, allocationdomain.Leg{PlatformID: platform.ID, SlotCount: leg.SlotCount})
	}
	sort.SliceStable(legs, func(i, j int) bool { return legs[i].PlatformID < legs[j].PlatformID })

	return allocationPlan{
		subscriptionID: subscriptionID,
		userID:         strings.TrimSpace(req.UserID),
		offerID:        offer.ID,
		durationDays:   s.durationDays(offer),
		legs:           legs,
		metadata:       req.Metadata,
	}, nil
}

// ensurePending creates the subscription record or moves it back to pending.
// It returns a replay response when the subscription is already active.
func (s *Service) ensurePending(ctx context.Context, plan allocationPlan) (*subscriptiondomain.ActivationResponse, error) {
	var replay *subscriptiondomain.ActivationResponse
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		replay, err = s.ensurePendingOnce(ctx, plan)
		if err == nil || !slotdb.IsDuplicateKeyErr(err) {
			break
		}
	}
	return replay, err
}

func (s *Service) ensurePendingOnce(ctx context.Context, plan allocationPlan) (*subscriptiondomain.ActivationResponse, error) {
	var replay *subscriptiondomain.ActivationResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByIDForUpdate(ctx, tx, plan.subscriptionID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if existing == nil {
			subscription := subscriptiondomain.Subscription{
				ID:        plan.subscriptionID,
				UserID:    plan.userID,
				OfferID:   plan.offerID,
				Status:    subscriptiondomain.SubscriptionStatusPendingAllocation,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if len(plan.metadata) > 0 {
				subscription.Metadata = datatypes.JSONMap(plan.metadata)
			}
			if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
				return err
			}
			return s.repo.ReplaceLegs(ctx, tx, plan.subscriptionID, s.storedLegs(plan))
		}

		if existing.UserID != plan.userID {
			return subscriptiondomain.ErrUserMismatch
		}

		switch existing.Status {
		case subscriptiondomain.SubscriptionStatusActive:
			bindings, err := s.profileRepo.ListBySubscription(ctx, tx, plan.subscriptionID)
			if err != nil {
				return err
			}
			resp := toActivationResponse(*existing, bindings, true)
			replay = &resp
			return nil
		case subscriptiondomain.SubscriptionStatusCancelled:
			return subscriptiondomain.ErrSubscriptionTerminal
		case subscriptiondomain.SubscriptionStatusExpired:
			ok, err := s.repo.ResetForRenewal(ctx, tx, plan.subscriptionID, now)
			if err != nil {
				return err
			}
			if !ok {
				return subscriptiondomain.ErrInvalidTransition
			}
			logger.WithContext(ctx, s.log).Info("subscription.renewal.started",
				zap.String("subscription_id", plan.subscriptionID.String()),
				zap.Int("renewal_count", existing.RenewalCount+1),
			)
		}

		if existing.OfferID != plan.offerID {
			ok, err := s.repo.SetOffer(ctx, tx, plan.subscriptionID, plan.offerID, now)
			if err != nil {
				return err
			}
			if !ok {
				return subscriptiondomain.ErrInvalidTransition
			}
			logger.WithContext(ctx, s.log).Info("subscription.offer.changed",
				zap.String("subscription_id", plan.subscriptionID.String()),
				zap.String("from_offer_id", existing.OfferID.String()),
				zap.String("to_offer_id", plan.offerID.String()),
			)
		}

		return s.repo.ReplaceLegs(ctx, tx, plan.subscriptionID, s.storedLegs(plan))
	})
	if err != nil {
		return nil, err
	}
	return replay, nil
}

func (s *Service) allocateWithRetry(ctx context.Context, subscriptionID snowflake.ID, legs []allocationdomain.Leg, durationDays int) (subscriptiondomain.ActivationResponse, error) {
	policy := s.policy.Get()
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.MaxInterval = policy.MaxBackoff

	attempt := 0
	operation := func() (subscriptiondomain.ActivationResponse, error) {
		attempt++
		attemptCtx := obscontext.WithAllocationAttempt(ctx, attempt)
		resp, err := s.allocateOnce(attemptCtx, subscriptionID, legs, durationDays, policy.LockTimeout)
		if err == nil {
			return resp, nil
		}
		if isContention(err) {
			if attempt < maxAttempts {
				s.metrics.RecordAllocationRetry(ctx, contentionReason(err))
			}
			return resp, err
		}
		return resp, backoff.Permanent(err)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WithContext(ctx, s.log).Warn("allocation.retry",
				zap.String("subscription_id", subscriptionID.String()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		if isContention(err) {
			return subscriptiondomain.ActivationResponse{}, fmt.Errorf("%w: contention persisted after %d attempts",
				allocationdomain.ErrAllocationExhausted, attempt)
		}
		return subscriptiondomain.ActivationResponse{}, err
	}
	return resp, nil
}

func (s *Service) allocateOnce(ctx context.Context, subscriptionID snowflake.ID, legs []allocationdomain.Leg, durationDays int, lockTimeout time.Duration) (subscriptiondomain.ActivationResponse, error) {
	var resp subscriptiondomain.ActivationResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if lockTimeout > 0 && slotdb.IsPostgres(tx) {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())
			if err := tx.WithContext(ctx).Exec(stmt).Error; err != nil {
				return err
			}
		}

		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		switch subscription.Status {
		case subscriptiondomain.SubscriptionStatusActive:
			bindings, err := s.profileRepo.ListBySubscription(ctx, tx, subscriptionID)
			if err != nil {
				return err
			}
			resp = toActivationResponse(*subscription, bindings, true)
			return nil
		case subscriptiondomain.SubscriptionStatusCancelled:
			return subscriptiondomain.ErrSubscriptionTerminal
		}
		if !subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusActive) {
			return subscriptiondomain.ErrInvalidTransition
		}

		bindings, err := s.allocator.Allocate(ctx, tx, subscriptionID, legs)
		if err != nil {
			return err
		}

		start := s.clock.Now()
		end := start.AddDate(0, 0, durationDays)
		ok, err := s.repo.Activate(ctx, tx, subscriptionID, start, end)
		if err != nil {
			return err
		}
		if !ok {
			return subscriptiondomain.ErrInvalidTransition
		}

		subscription.Status = subscriptiondomain.SubscriptionStatusActive
		subscription.StartDate = &start
		subscription.EndDate = &end
		resp = toActivationResponse(*subscription, bindings, false)
		return nil
	})
	if err != nil {
		return subscriptiondomain.ActivationResponse{}, err
	}

	if !resp.Replayed {
		logger.WithContext(ctx, s.log).Info("subscription.activated",
			zap.String("subscription_id", subscriptionID.String()),
			zap.Int("slots", len(resp.Bindings)),
			zap.Timep("end_date", resp.EndDate),
		)
	}
	return resp, nil
}

func (s *Service) finish(ctx context.Context, span trace.Span, started time.Time, replayed bool, err error) {
	outcome := classifyOutcome(replayed, err)
	s.metrics.RecordAllocation(ctx, outcome, time.Since(started))
	span.SetAttributes(attribute.String("outcome", outcome))
	if err == nil {
		return
	}

	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, outcome)

	log := logger.WithContext(ctx, s.log)
	switch outcome {
	case obsmetrics.OutcomeExhausted:
		log.Warn("allocation.exhausted", zap.Error(err))
	case obsmetrics.OutcomeRejected:
		log.Info("allocation.rejected", zap.Error(err))
	default:
		log.Error("allocation.failed", zap.Error(err))
	}
}

func (s *Service) durationDays(offer platformdomain.Offer) int {
	if offer.DurationDays > 0 {
		return offer.DurationDays
	}
	if days := s.policy.Get().DefaultDurationDays; days > 0 {
		return days
	}
	return 30
}

func (s *Service) storedLegs(plan allocationPlan) []subscriptiondomain.Leg {
	legs := make([]subscriptiondomain.Leg, 0, len(plan.legs))
	for _, leg := range plan.legs {
		legs = append(legs, subscriptiondomain.Leg{
			ID:             s.genID.Generate(),
			SubscriptionID: plan.subscriptionID,
			PlatformID:     leg.PlatformID,
			SlotCount:      leg.SlotCount,
		})
	}
	return legs
}

func classifyOutcome(replayed bool, err error) string {
	switch {
	case err == nil && replayed:
		return obsmetrics.OutcomeReplayed
	case err == nil:
		return obsmetrics.OutcomeActivated
	case errors.Is(err, allocationdomain.ErrAllocationExhausted):
		return obsmetrics.OutcomeExhausted
	case isRejection(err):
		return obsmetrics.OutcomeRejected
	default:
		return obsmetrics.OutcomeFailed
	}
}

func isRejection(err error) bool {
	for _, target := range []error{
		subscriptiondomain.ErrInvalidRequest,
		subscriptiondomain.ErrInvalidSubscriptionID,
		subscriptiondomain.ErrSlotCountExceedsCapacity,
		subscriptiondomain.ErrSubscriptionNotFound,
		subscriptiondomain.ErrSubscriptionTerminal,
		subscriptiondomain.ErrInvalidTransition,
		subscriptiondomain.ErrUserMismatch,
		platformdomain.ErrInvalidPlatformID,
		platformdomain.ErrInvalidOfferID,
		platformdomain.ErrPlatformNotFound,
		platformdomain.ErrOfferNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isContention(err error) bool {
	return errors.Is(err, allocationdomain.ErrSlotContention) || slotdb.IsLockContentionErr(err)
}

func contentionReason(err error) string {
	if errors.Is(err, allocationdomain.ErrSlotContention) {
		return "slot_contention"
	}
	return obsmetrics.ClassifySchedulerErrorType(err)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
