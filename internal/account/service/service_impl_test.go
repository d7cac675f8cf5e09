package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	"github.com/smallbiznis/slotbroker/internal/account/repository"
	"github.com/smallbiznis/slotbroker/internal/clock"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	platformrepository "github.com/smallbiznis/slotbroker/internal/platform/repository"
	profilerepository "github.com/smallbiznis/slotbroker/internal/profile/repository"
	"github.com/smallbiznis/slotbroker/pkg/db/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (accountdomain.Service, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.InsertPlatform(t, db, 1, "netflix", true, 4)
	dbtest.InsertPlatform(t, db, 2, "crunchyroll", false, 0)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Repo:         repository.Provide(),
		ProfileRepo:  profilerepository.Provide(),
		PlatformRepo: platformrepository.Provide(),
	})
	return svc, db
}

func TestProvisionCreatesSlotBatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	account, err := svc.Provision(ctx, accountdomain.ProvisionRequest{
		PlatformID:  "1",
		Label:       "family-01",
		Credentials: map[string]any{"email": "a@example.com", "password": "secret"},
	})
	require.NoError(t, err)
	require.Equal(t, accountdomain.AccountStatusActive, account.Status)
	require.True(t, account.Availability)
	require.Equal(t, 4, account.TotalSlots)
	require.Equal(t, 4, account.FreeSlots)

	profiles, err := svc.ListProfiles(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, profiles, 4)
	require.Equal(t, "Principal", profiles[0].Name)

	single, err := svc.Provision(ctx, accountdomain.ProvisionRequest{PlatformID: "2", Label: "solo"})
	require.NoError(t, err)
	require.Equal(t, 1, single.TotalSlots)
}

func TestProvisionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Provision(ctx, accountdomain.ProvisionRequest{PlatformID: "1"})
	require.True(t, errors.Is(err, accountdomain.ErrInvalidLabel))

	_, err = svc.Provision(ctx, accountdomain.ProvisionRequest{PlatformID: "77", Label: "x"})
	require.True(t, errors.Is(err, platformdomain.ErrPlatformNotFound))

	_, err = svc.Provision(ctx, accountdomain.ProvisionRequest{PlatformID: "abc", Label: "x"})
	require.True(t, errors.Is(err, platformdomain.ErrInvalidPlatformID))
}

func TestDeactivateKeepsBindings(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	dbtest.InsertAccount(t, db, 10, 1, "ACTIVE", 4)
	dbtest.BindSlots(t, db, 10, 900, 2)

	require.NoError(t, svc.Deactivate(ctx, "10"))

	account, err := svc.Get(ctx, "10")
	require.NoError(t, err)
	require.Equal(t, accountdomain.AccountStatusInactive, account.Status)
	require.False(t, account.Availability)
	require.Equal(t, 2, account.FreeSlots)
	require.Equal(t, 2, 4-dbtest.FreeSlotCount(t, db, 10))

	require.NoError(t, svc.Deactivate(ctx, "10"))

	require.NoError(t, svc.SetStatus(ctx, "10", accountdomain.AccountStatusActive))
	require.True(t, dbtest.Availability(t, db, 10))
}

func TestSetStatusErrors(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	dbtest.InsertAccount(t, db, 10, 1, "ACTIVE", 4)

	require.True(t, errors.Is(svc.SetStatus(ctx, "10", "RETIRED"), accountdomain.ErrInvalidStatus))
	require.True(t, errors.Is(svc.SetStatus(ctx, "11", accountdomain.AccountStatusLocked), accountdomain.ErrAccountNotFound))
	require.True(t, errors.Is(svc.Deactivate(ctx, "nope"), accountdomain.ErrInvalidAccountID))
	require.NoError(t, svc.SetStatus(ctx, "10", "maintenance"))

	account, err := svc.Get(ctx, "10")
	require.NoError(t, err)
	require.Equal(t, accountdomain.AccountStatusMaintenance, account.Status)
}

func TestSetProviderOffer(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	dbtest.InsertAccount(t, db, 10, 1, "ACTIVE", 4)

	require.NoError(t, svc.SetProviderOffer(ctx, "10", "777"))
	account, err := svc.Get(ctx, "10")
	require.NoError(t, err)
	require.NotNil(t, account.ProviderOfferID)
	require.Equal(t, "777", *account.ProviderOfferID)
	require.Equal(t, 4, account.FreeSlots)

	require.NoError(t, svc.SetProviderOffer(ctx, "10", ""))
	account, err = svc.Get(ctx, "10")
	require.NoError(t, err)
	require.Nil(t, account.ProviderOfferID)

	require.True(t, errors.Is(svc.SetProviderOffer(ctx, "99", "1"), accountdomain.ErrAccountNotFound))
}

func TestListAccountsPaginates(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	for _, id := range []int64{10, 11, 12} {
		dbtest.InsertAccount(t, db, id, 1, "ACTIVE", 4)
	}
	dbtest.InsertAccount(t, db, 20, 2, "ACTIVE", 1)

	first, err := svc.List(ctx, accountdomain.ListAccountRequest{PlatformID: "1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Accounts, 2)
	require.True(t, first.PageInfo.HasMore)
	require.NotEmpty(t, first.PageInfo.NextPageToken)

	second, err := svc.List(ctx, accountdomain.ListAccountRequest{PlatformID: "1", PageSize: 2, PageToken: first.PageInfo.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Accounts, 1)
	require.Equal(t, "12", second.Accounts[0].ID)
	require.False(t, second.PageInfo.HasMore)

	_, err = svc.List(ctx, accountdomain.ListAccountRequest{PageToken: "%%%"})
	require.True(t, errors.Is(err, accountdomain.ErrInvalidPageToken))
}

func TestReconcileHealsDrift(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	dbtest.InsertAccount(t, db, 10, 1, "ACTIVE", 4)
	dbtest.InsertAccount(t, db, 11, 1, "ACTIVE", 4)
	dbtest.BindSlots(t, db, 11, 900, 4) // seeded as available, now full

	result, err := svc.Reconcile(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 1, result.Changed)
	require.EqualValues(t, 11, result.LastID)
	require.False(t, dbtest.Availability(t, db, 11))

	result, err = svc.Reconcile(ctx, result.LastID, 10)
	require.NoError(t, err)
	require.Zero(t, result.Processed)
}
