package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/slotbroker/internal/account"
	"github.com/smallbiznis/slotbroker/internal/allocation"
	"github.com/smallbiznis/slotbroker/internal/audit"
	"github.com/smallbiznis/slotbroker/internal/clock"
	"github.com/smallbiznis/slotbroker/internal/config"
	"github.com/smallbiznis/slotbroker/internal/platform"
	"github.com/smallbiznis/slotbroker/internal/profile"
	"github.com/smallbiznis/slotbroker/internal/ratelimit"
	"github.com/smallbiznis/slotbroker/internal/scheduler"
	"github.com/smallbiznis/slotbroker/internal/server"
	"github.com/smallbiznis/slotbroker/internal/subscription"
	"github.com/smallbiznis/slotbroker/pkg/db/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	netflixID   = 1
	duoOffer    = 61
	familyOffer = 62
	accountID   = 10
)

type harness struct {
	t         *testing.T
	db        *gorm.DB
	clock     *clock.FakeClock
	scheduler *scheduler.Scheduler
	http      *httptest.Server
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type activation struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	Replayed       bool   `json:"replayed"`
	Bindings       []struct {
		AccountID string `json:"account_id"`
		SlotName  string `json:"slot_name"`
	} `json:"bindings"`
}

type subscriptionView struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	RenewalCount int    `json:"renewal_count"`
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t)
	dbtest.InsertPlatform(t, db, netflixID, "netflix", true, 4)
	dbtest.InsertOffer(t, db, duoOffer, 30, map[int64]int{netflixID: 2})
	dbtest.InsertOffer(t, db, familyOffer, 30, map[int64]int{netflixID: 3})
	dbtest.InsertAccount(t, db, accountID, netflixID, "ACTIVE", 4)

	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{
		AppName:     "slotbroker",
		Environment: "test",
	}
	cfg.Sweeper.Enabled = false

	var (
		srv   *server.Server
		sched *scheduler.Scheduler
	)
	app := fx.New(
		fx.NopLogger,
		fx.Supply(db, cfg),
		fx.Provide(
			func() *zap.Logger { return zap.NewNop() },
			func() clock.Clock { return fc },
			func() (*snowflake.Node, error) { return snowflake.NewNode(3) },
			func() *config.AllocationPolicyHolder {
				return config.NewStaticPolicyHolder(config.AllocationPolicy{
					MaxAttempts:         2,
					InitialBackoff:      time.Millisecond,
					MaxBackoff:          5 * time.Millisecond,
					LockTimeout:         time.Second,
					DefaultDurationDays: 30,
				})
			},
			func() *gin.Engine {
				r := gin.New()
				r.Use(server.ErrorHandlingMiddleware())
				return r
			},
		),
		platform.Module,
		profile.Module,
		account.Module,
		allocation.Module,
		subscription.Module,
		audit.Module,
		ratelimit.Module,
		scheduler.Module,
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &sched),
	)
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = app.Stop(stopCtx)
	})

	srv.RegisterAPIRoutes()
	srv.RegisterAdminRoutes()
	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(ts.Close)

	return &harness{t: t, db: db, clock: fc, scheduler: sched, http: ts}
}

func (h *harness) do(method, path string, body any) (int, envelope) {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.http.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	var env envelope
	if len(raw) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func (h *harness) allocate(subscriptionID string, offerID int64) (int, envelope) {
	return h.do(http.MethodPost, "/api/allocations", map[string]any{
		"subscription_id": subscriptionID,
		"user_id":         "user-" + subscriptionID,
		"offer_id":        fmt.Sprint(offerID),
	})
}

func (h *harness) subscription(id string) subscriptionView {
	h.t.Helper()
	status, env := h.do(http.MethodGet, "/api/subscriptions/"+id, nil)
	require.Equal(h.t, http.StatusOK, status)

	var view subscriptionView
	require.NoError(h.t, json.Unmarshal(env.Data, &view))
	return view
}

func decodeActivation(t *testing.T, env envelope) activation {
	t.Helper()
	var a activation
	require.NoError(t, json.Unmarshal(env.Data, &a))
	return a
}

func TestAllocationLifecycle(t *testing.T) {
	h := newHarness(t)

	status, env := h.allocate("900", duoOffer)
	require.Equal(t, http.StatusOK, status, env.Error.Message)
	first := decodeActivation(t, env)
	require.Equal(t, "ACTIVE", first.Status)
	require.False(t, first.Replayed)
	require.Len(t, first.Bindings, 2)
	for _, b := range first.Bindings {
		require.Equal(t, fmt.Sprint(accountID), b.AccountID)
	}
	require.Equal(t, 2, dbtest.FreeSlotCount(t, h.db, accountID))

	// a retried payment callback gets the same bindings back
	status, env = h.allocate("900", duoOffer)
	require.Equal(t, http.StatusOK, status)
	replay := decodeActivation(t, env)
	require.True(t, replay.Replayed)
	require.ElementsMatch(t, first.Bindings, replay.Bindings)
	require.Equal(t, 2, dbtest.FreeSlotCount(t, h.db, accountID))

	status, env = h.allocate("901", familyOffer)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "allocation_exhausted", env.Error.Type)
	require.Equal(t, "PENDING_ALLOCATION", h.subscription("901").Status)
	require.Equal(t, 2, dbtest.FreeSlotCount(t, h.db, accountID))

	h.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, h.scheduler.RunOnce(context.Background()))
	require.Equal(t, "EXPIRED", h.subscription("900").Status)
	require.Equal(t, 4, dbtest.FreeSlotCount(t, h.db, accountID))
	require.True(t, dbtest.Availability(t, h.db, accountID))

	status, env = h.do(http.MethodPost, "/api/subscriptions/900/renew", nil)
	require.Equal(t, http.StatusOK, status, env.Error.Message)
	require.Equal(t, "ACTIVE", decodeActivation(t, env).Status)
	renewed := h.subscription("900")
	require.Equal(t, "ACTIVE", renewed.Status)
	require.Equal(t, 1, renewed.RenewalCount)

	status, env = h.do(http.MethodPost, "/api/subscriptions/900/renew", nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "state_conflict", env.Error.Type)

	status, _ = h.do(http.MethodPost, "/admin/subscriptions/900/cancel", nil)
	require.Equal(t, http.StatusNoContent, status)
	require.Equal(t, "CANCELLED", h.subscription("900").Status)
	require.Equal(t, 4, dbtest.FreeSlotCount(t, h.db, accountID))

	status, env = h.allocate("900", duoOffer)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "state_conflict", env.Error.Type)
}

func TestDeactivatedAccountLeavesThePool(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(http.MethodPost, fmt.Sprintf("/admin/accounts/%d/deactivate", accountID), nil)
	require.Equal(t, http.StatusNoContent, status)
	require.False(t, dbtest.Availability(t, h.db, accountID))

	status, env := h.allocate("910", duoOffer)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "allocation_exhausted", env.Error.Type)
	require.Equal(t, "PENDING_ALLOCATION", h.subscription("910").Status)

	// no background sweep puts it back
	require.NoError(t, h.scheduler.RunOnce(context.Background()))
	require.False(t, dbtest.Availability(t, h.db, accountID))

	status, env = h.do(http.MethodGet, fmt.Sprintf("/admin/audit-logs?target_type=account&target_id=%d", accountID), nil)
	require.Equal(t, http.StatusOK, status)
	var entries []struct {
		Action    string         `json:"action"`
		ActorType string         `json:"actor_type"`
		Metadata  map[string]any `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "account.status_changed", entries[0].Action)
	require.Equal(t, "operator", entries[0].ActorType)
	require.Equal(t, "INACTIVE", entries[0].Metadata["to"])
}

func TestProvisionedAccountServesPendingRenewal(t *testing.T) {
	h := newHarness(t)

	status, env := h.allocate("920", duoOffer)
	require.Equal(t, http.StatusOK, status, env.Error.Message)
	status, _ = h.allocate("921", familyOffer)
	require.Equal(t, http.StatusConflict, status)

	status, env = h.do(http.MethodPost, "/admin/accounts", map[string]any{
		"platform_id": fmt.Sprint(netflixID),
		"label":       "netflix-family-2",
		"credentials": map[string]any{"email": "ops@example.com", "password": "s3cret-pass"},
	})
	require.Equal(t, http.StatusOK, status, env.Error.Message)

	status, env = h.do(http.MethodGet, "/admin/audit-logs?action=account.provisioned", nil)
	require.Equal(t, http.StatusOK, status)
	require.NotContains(t, string(env.Data), "s3cret-pass")
	require.NotContains(t, string(env.Data), "ops@example.com")

	status, env = h.do(http.MethodPost, "/api/subscriptions/921/renew", nil)
	require.Equal(t, http.StatusOK, status, env.Error.Message)
	activated := decodeActivation(t, env)
	require.Equal(t, "ACTIVE", activated.Status)
	require.Len(t, activated.Bindings, 3)
	for _, b := range activated.Bindings {
		require.NotEqual(t, fmt.Sprint(accountID), b.AccountID)
	}
}

func TestUnknownSubscriptionIsNotFound(t *testing.T) {
	h := newHarness(t)

	status, env := h.do(http.MethodGet, "/api/subscriptions/123456", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", env.Error.Type)

	status, env = h.do(http.MethodGet, "/api/subscriptions/not-an-id", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation_error", env.Error.Type)
}
