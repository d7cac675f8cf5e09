package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	auditdomain "github.com/smallbiznis/slotbroker/internal/audit/domain"
	"github.com/smallbiznis/slotbroker/internal/audit/masking"
	"github.com/smallbiznis/slotbroker/internal/clock"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	"github.com/smallbiznis/slotbroker/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo         accountdomain.Repository
	profileRepo  profiledomain.Repository
	platformRepo platformdomain.Repository
	auditSvc     auditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         accountdomain.Repository
	ProfileRepo  profiledomain.Repository
	PlatformRepo platformdomain.Repository
	AuditSvc     auditdomain.Service `optional:"true"`
}

func NewService(p ServiceParam) accountdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("account.service"),
		genID: p.GenID,
		clock: p.Clock,

		repo:         p.Repo,
		profileRepo:  p.ProfileRepo,
		platformRepo: p.PlatformRepo,
		auditSvc:     p.AuditSvc,
	}
}

// Provision creates an account with its full slot batch. New accounts start
// ACTIVE and therefore available.
func (s *Service) Provision(ctx context.Context, req accountdomain.ProvisionRequest) (accountdomain.AccountResponse, error) {
	platformID, err := parseID(req.PlatformID, platformdomain.ErrInvalidPlatformID)
	if err != nil {
		return accountdomain.AccountResponse{}, err
	}

	label := strings.TrimSpace(req.Label)
	if label == "" {
		return accountdomain.AccountResponse{}, accountdomain.ErrInvalidLabel
	}

	var providerOfferID *snowflake.ID
	if strings.TrimSpace(req.ProviderOfferID) != "" {
		parsed, err := parseID(req.ProviderOfferID, accountdomain.ErrInvalidProviderOfferID)
		if err != nil {
			return accountdomain.AccountResponse{}, err
		}
		providerOfferID = &parsed
	}

	var account accountdomain.Account
	var slots []profiledomain.Slot
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		platform, err := s.platformRepo.FindByID(ctx, tx, platformID)
		if err != nil {
			return err
		}
		if platform == nil {
			return platformdomain.ErrPlatformNotFound
		}

		now := s.clock.Now()
		account = accountdomain.Account{
			ID:              s.genID.Generate(),
			PlatformID:      platform.ID,
			Label:           label,
			Credentials:     datatypes.JSONMap(req.Credentials),
			ProviderOfferID: providerOfferID,
			Status:          accountdomain.AccountStatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.repo.Insert(ctx, tx, &account); err != nil {
			return err
		}

		slots = profiledomain.NewBatch(s.genID, account.ID, platform.SlotCapacity(), now)
		if err := s.profileRepo.CreateBatch(ctx, tx, slots); err != nil {
			return err
		}

		available, err := s.repo.RecomputeAvailability(ctx, tx, account.ID, now)
		if err != nil {
			return err
		}
		account.Availability = available
		return nil
	})
	if err != nil {
		return accountdomain.AccountResponse{}, err
	}

	s.log.Info("account.provisioned",
		zap.String("account_id", account.ID.String()),
		zap.String("platform_id", account.PlatformID.String()),
		zap.Int("slots", len(slots)),
	)
	s.audit(ctx, auditdomain.ActionAccountProvisioned, account.ID, map[string]any{
		"platform_id": account.PlatformID.String(),
		"label":       label,
		"slots":       len(slots),
		"credentials": masking.MaskCredentials(req.Credentials),
	})

	return toResponse(account, accountdomain.SlotCount{Total: len(slots), Free: len(slots)}), nil
}

func (s *Service) Get(ctx context.Context, id string) (accountdomain.AccountResponse, error) {
	accountID, err := parseID(id, accountdomain.ErrInvalidAccountID)
	if err != nil {
		return accountdomain.AccountResponse{}, err
	}

	account, err := s.repo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return accountdomain.AccountResponse{}, err
	}
	if account == nil {
		return accountdomain.AccountResponse{}, accountdomain.ErrAccountNotFound
	}

	counts, err := s.repo.CountSlots(ctx, s.db, []snowflake.ID{account.ID})
	if err != nil {
		return accountdomain.AccountResponse{}, err
	}
	return toResponse(*account, counts[account.ID]), nil
}

func (s *Service) List(ctx context.Context, req accountdomain.ListAccountRequest) (accountdomain.ListAccountResponse, error) {
	filter := accountdomain.ListFilter{}

	if strings.TrimSpace(req.PlatformID) != "" {
		platformID, err := parseID(req.PlatformID, platformdomain.ErrInvalidPlatformID)
		if err != nil {
			return accountdomain.ListAccountResponse{}, err
		}
		filter.PlatformID = &platformID
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return accountdomain.ListAccountResponse{}, accountdomain.ErrInvalidPageToken
		}
		cursorID, err := parseID(cursor.ID, accountdomain.ErrInvalidPageToken)
		if err != nil {
			return accountdomain.ListAccountResponse{}, err
		}
		filter.Cursor = &cursorID
	}

	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()
	filter.Limit = limit + 1

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return accountdomain.ListAccountResponse{}, err
	}

	page := make([]*accountdomain.Account, 0, len(items))
	for i := range items {
		page = append(page, &items[i])
	}
	page, pageInfo := pagination.BuildCursorPageInfo(page, limit, func(a *accountdomain.Account) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: a.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	ids := make([]snowflake.ID, 0, len(page))
	for _, account := range page {
		ids = append(ids, account.ID)
	}
	counts, err := s.repo.CountSlots(ctx, s.db, ids)
	if err != nil {
		return accountdomain.ListAccountResponse{}, err
	}

	resp := accountdomain.ListAccountResponse{
		Accounts: make([]accountdomain.AccountResponse, 0, len(page)),
	}
	for _, account := range page {
		resp.Accounts = append(resp.Accounts, toResponse(*account, counts[account.ID]))
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) ListProfiles(ctx context.Context, id string) ([]profiledomain.Slot, error) {
	accountID, err := parseID(id, accountdomain.ErrInvalidAccountID)
	if err != nil {
		return nil, err
	}

	account, err := s.repo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}

	slots, err := s.profileRepo.ListByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if slots == nil {
		slots = []profiledomain.Slot{}
	}
	return slots, nil
}

// Deactivate takes the account out of rotation. Existing bindings stay in
// place until their subscriptions end.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, accountdomain.AccountStatusInactive)
}

func (s *Service) SetStatus(ctx context.Context, id string, status accountdomain.AccountStatus) error {
	accountID, err := parseID(id, accountdomain.ErrInvalidAccountID)
	if err != nil {
		return err
	}
	status = accountdomain.AccountStatus(strings.ToUpper(strings.TrimSpace(string(status))))
	if !status.Valid() {
		return accountdomain.ErrInvalidStatus
	}

	var previous accountdomain.AccountStatus
	var available bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindByIDForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return accountdomain.ErrAccountNotFound
		}
		previous = account.Status
		if account.Status == status {
			available = account.Availability
			return nil
		}

		now := s.clock.Now()
		if err := s.repo.UpdateStatus(ctx, tx, accountID, status, now); err != nil {
			return err
		}
		available, err = s.repo.RecomputeAvailability(ctx, tx, accountID, now)
		return err
	})
	if err != nil {
		return err
	}

	if previous == status {
		s.log.Debug("account.status.noop",
			zap.String("account_id", accountID.String()),
			zap.String("status", string(status)),
		)
		return nil
	}

	s.log.Info("account.status.changed",
		zap.String("account_id", accountID.String()),
		zap.String("from", string(previous)),
		zap.String("to", string(status)),
		zap.Bool("availability", available),
	)
	s.audit(ctx, auditdomain.ActionAccountStatusChanged, accountID, map[string]any{
		"from": string(previous),
		"to":   string(status),
	})
	return nil
}

func (s *Service) SetProviderOffer(ctx context.Context, id string, providerOfferID string) error {
	accountID, err := parseID(id, accountdomain.ErrInvalidAccountID)
	if err != nil {
		return err
	}

	var offerID *snowflake.ID
	if strings.TrimSpace(providerOfferID) != "" {
		parsed, err := parseID(providerOfferID, accountdomain.ErrInvalidProviderOfferID)
		if err != nil {
			return err
		}
		offerID = &parsed
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindByIDForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return accountdomain.ErrAccountNotFound
		}
		return s.repo.UpdateProviderOffer(ctx, tx, accountID, offerID, s.clock.Now())
	})
	if err != nil {
		return err
	}

	metadata := map[string]any{"provider_offer_id": nil}
	if offerID != nil {
		metadata["provider_offer_id"] = offerID.String()
	}
	s.audit(ctx, auditdomain.ActionAccountProviderOfferSet, accountID, metadata)
	return nil
}

// Reconcile recomputes availability for one batch of accounts after the
// given id. Each account is locked on its own so bindings are never blocked
// pool wide.
func (s *Service) Reconcile(ctx context.Context, after snowflake.ID, limit int) (accountdomain.ReconcileResult, error) {
	result := accountdomain.ReconcileResult{LastID: after}
	if limit <= 0 {
		return result, nil
	}

	ids, err := s.repo.ListIDsAfter(ctx, s.db, after, limit)
	if err != nil {
		return result, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var changed bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			lockStart := time.Now()
			account, err := s.repo.FindByIDForUpdate(ctx, tx, id)
			obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceAccountsForReconcile, time.Since(lockStart))
			if err != nil {
				return err
			}
			if account == nil {
				return nil
			}
			available, err := s.repo.RecomputeAvailability(ctx, tx, id, s.clock.Now())
			if err != nil {
				return err
			}
			changed = available != account.Availability
			return nil
		})
		if err != nil {
			return result, err
		}

		result.Processed++
		result.LastID = id
		if changed {
			result.Changed++
			s.log.Warn("account.availability.drift",
				zap.String("account_id", id.String()),
			)
		}
	}
	return result, nil
}

func (s *Service) Capacity(ctx context.Context) ([]accountdomain.PlatformCapacity, error) {
	return s.repo.CapacityByPlatform(ctx, s.db)
}

// audit is best effort; the change it describes is already committed.
func (s *Service) audit(ctx context.Context, action string, accountID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	targetID := accountID.String()
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, auditdomain.TargetTypeAccount, &targetID, metadata); err != nil {
		s.log.Warn("account.audit.failed", zap.String("action", action), zap.Error(err))
	}
}

func toResponse(account accountdomain.Account, counts accountdomain.SlotCount) accountdomain.AccountResponse {
	resp := accountdomain.AccountResponse{
		ID:           account.ID.String(),
		PlatformID:   account.PlatformID.String(),
		Label:        account.Label,
		Status:       account.Status,
		Availability: account.Availability,
		TotalSlots:   counts.Total,
		FreeSlots:    counts.Free,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}
	if account.ProviderOfferID != nil {
		value := account.ProviderOfferID.String()
		resp.ProviderOfferID = &value
	}
	return resp
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, invalidErr
	}
	return id, nil
}
