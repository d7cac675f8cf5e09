package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	allocationdomain "github.com/smallbiznis/slotbroker/internal/allocation/domain"
	auditdomain "github.com/smallbiznis/slotbroker/internal/audit/domain"
	"github.com/smallbiznis/slotbroker/internal/clock"
	"github.com/smallbiznis/slotbroker/internal/config"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	"github.com/smallbiznis/slotbroker/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("slotbroker/subscription")

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	validate *validator.Validate

	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.AllocationPolicyHolder
	metrics *obsmetrics.Metrics

	repo        subscriptiondomain.Repository
	profileRepo profiledomain.Repository
	allocator   allocationdomain.Allocator
	platformSvc platformdomain.Service
	auditSvc    auditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.AllocationPolicyHolder
	Metrics *obsmetrics.Metrics `optional:"true"`

	Repo        subscriptiondomain.Repository
	ProfileRepo profiledomain.Repository
	Allocator   allocationdomain.Allocator
	PlatformSvc platformdomain.Service
	AuditSvc    auditdomain.Service `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticPolicyHolder(config.DefaultAllocationPolicy())
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		validate: validator.New(validator.WithRequiredStructEnabled()),

		genID:   p.GenID,
		clock:   p.Clock,
		policy:  policy,
		metrics: p.Metrics,

		repo:        p.Repo,
		profileRepo: p.ProfileRepo,
		allocator:   p.Allocator,
		platformSvc: p.PlatformSvc,
		auditSvc:    p.AuditSvc,
	}
}

func (s *Service) Get(ctx context.Context, id string) (subscriptiondomain.SubscriptionResponse, error) {
	subscriptionID, err := parseID(id, subscriptiondomain.ErrInvalidSubscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if subscription == nil {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	legs, err := s.repo.ListLegs(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	bindings, err := s.profileRepo.ListBySubscription(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	return toSubscriptionResponse(*subscription, legs, bindings), nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	filter := subscriptiondomain.ListFilter{
		UserID: strings.TrimSpace(req.UserID),
	}

	if value := strings.TrimSpace(req.Status); value != "" {
		status := subscriptiondomain.SubscriptionStatus(strings.ToUpper(value))
		if !status.Valid() {
			return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidStatus
		}
		filter.Status = &status
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidPageToken
		}
		cursorID, err := parseID(cursor.ID, subscriptiondomain.ErrInvalidPageToken)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		filter.Cursor = &cursorID
	}

	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()
	filter.Limit = limit + 1

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	page := make([]*subscriptiondomain.Subscription, 0, len(items))
	for i := range items {
		page = append(page, &items[i])
	}
	page, pageInfo := pagination.BuildCursorPageInfo(page, limit, func(item *subscriptiondomain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	resp := subscriptiondomain.ListSubscriptionResponse{
		Subscriptions: make([]subscriptiondomain.SubscriptionResponse, 0, len(page)),
	}
	for _, item := range page {
		legs, err := s.repo.ListLegs(ctx, s.db, item.ID)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		resp.Subscriptions = append(resp.Subscriptions, toSubscriptionResponse(*item, legs, nil))
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func toSubscriptionResponse(subscription subscriptiondomain.Subscription, legs []subscriptiondomain.Leg, bindings []profiledomain.Binding) subscriptiondomain.SubscriptionResponse {
	resp := subscriptiondomain.SubscriptionResponse{
		ID:           subscription.ID.String(),
		UserID:       subscription.UserID,
		OfferID:      subscription.OfferID.String(),
		Status:       subscription.Status,
		StartDate:    subscription.StartDate,
		EndDate:      subscription.EndDate,
		ActivatedAt:  subscription.ActivatedAt,
		ExpiredAt:    subscription.ExpiredAt,
		CancelledAt:  subscription.CancelledAt,
		RenewalCount: subscription.RenewalCount,
		Legs:         make([]subscriptiondomain.LegResponse, 0, len(legs)),
		Bindings:     toBindingResponses(bindings),
		CreatedAt:    subscription.CreatedAt,
		UpdatedAt:    subscription.UpdatedAt,
	}
	if len(subscription.Metadata) > 0 {
		resp.Metadata = map[string]any(subscription.Metadata)
	}
	for _, leg := range legs {
		resp.Legs = append(resp.Legs, subscriptiondomain.LegResponse{
			PlatformID: leg.PlatformID.String(),
			SlotCount:  leg.SlotCount,
		})
	}
	return resp
}

func toActivationResponse(subscription subscriptiondomain.Subscription, bindings []profiledomain.Binding, replayed bool) subscriptiondomain.ActivationResponse {
	return subscriptiondomain.ActivationResponse{
		SubscriptionID: subscription.ID.String(),
		Status:         subscription.Status,
		StartDate:      subscription.StartDate,
		EndDate:        subscription.EndDate,
		Bindings:       toBindingResponses(bindings),
		Replayed:       replayed,
	}
}

func toBindingResponses(bindings []profiledomain.Binding) []subscriptiondomain.BindingResponse {
	out := make([]subscriptiondomain.BindingResponse, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, subscriptiondomain.BindingResponse{
			AccountID:  b.AccountID.String(),
			PlatformID: b.PlatformID.String(),
			SlotID:     b.SlotID.String(),
			SlotIndex:  b.SlotIndex,
			SlotName:   b.SlotName,
		})
	}
	return out
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, invalidErr
	}
	return id, nil
}
