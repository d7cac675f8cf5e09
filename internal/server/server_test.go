package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	allocationdomain "github.com/smallbiznis/slotbroker/internal/allocation/domain"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	"github.com/smallbiznis/slotbroker/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	"github.com/smallbiznis/slotbroker/pkg/db/pagination"
)

type fakeSubscriptionService struct {
	subscriptiondomain.Service

	allocateReq   subscriptiondomain.RequestAllocationRequest
	allocateCalls int
	allocateErr   error
	cancelled     []string
	getErr        error
	listReq       subscriptiondomain.ListSubscriptionRequest
}

func (f *fakeSubscriptionService) RequestAllocation(_ context.Context, req subscriptiondomain.RequestAllocationRequest) (subscriptiondomain.ActivationResponse, error) {
	f.allocateCalls++
	f.allocateReq = req
	if f.allocateErr != nil {
		return subscriptiondomain.ActivationResponse{}, f.allocateErr
	}
	return subscriptiondomain.ActivationResponse{
		SubscriptionID: req.SubscriptionID,
		Status:         subscriptiondomain.SubscriptionStatusActive,
		Bindings: []subscriptiondomain.BindingResponse{
			{AccountID: "10", PlatformID: "1", SlotID: "100", SlotIndex: 1, SlotName: "Principal"},
		},
	}, nil
}

func (f *fakeSubscriptionService) Renew(_ context.Context, id string) (subscriptiondomain.ActivationResponse, error) {
	return subscriptiondomain.ActivationResponse{SubscriptionID: id, Status: subscriptiondomain.SubscriptionStatusActive}, nil
}

func (f *fakeSubscriptionService) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSubscriptionService) Get(_ context.Context, id string) (subscriptiondomain.SubscriptionResponse, error) {
	if f.getErr != nil {
		return subscriptiondomain.SubscriptionResponse{}, f.getErr
	}
	return subscriptiondomain.SubscriptionResponse{ID: id, Status: subscriptiondomain.SubscriptionStatusActive}, nil
}

func (f *fakeSubscriptionService) List(_ context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	f.listReq = req
	return subscriptiondomain.ListSubscriptionResponse{
		Subscriptions: []subscriptiondomain.SubscriptionResponse{{ID: "800"}},
		PageInfo:      pagination.PageInfo{NextPageToken: "next", HasMore: true},
	}, nil
}

type fakeAccountService struct {
	accountdomain.Service

	listReq     accountdomain.ListAccountRequest
	statusID    string
	status      accountdomain.AccountStatus
	deactivated string
	offerID     string
}

func (f *fakeAccountService) List(_ context.Context, req accountdomain.ListAccountRequest) (accountdomain.ListAccountResponse, error) {
	f.listReq = req
	return accountdomain.ListAccountResponse{Accounts: []accountdomain.AccountResponse{{ID: "10"}}}, nil
}

func (f *fakeAccountService) ListProfiles(_ context.Context, id string) ([]profiledomain.Slot, error) {
	if id == "404" {
		return nil, accountdomain.ErrAccountNotFound
	}
	return []profiledomain.Slot{{ID: 100, AccountID: 10, SlotIndex: 1, Name: "Principal"}}, nil
}

func (f *fakeAccountService) Deactivate(_ context.Context, id string) error {
	f.deactivated = id
	return nil
}

func (f *fakeAccountService) SetStatus(_ context.Context, id string, status accountdomain.AccountStatus) error {
	if !status.Valid() {
		return accountdomain.ErrInvalidStatus
	}
	f.statusID = id
	f.status = status
	return nil
}

func (f *fakeAccountService) SetProviderOffer(_ context.Context, _ string, providerOfferID string) error {
	f.offerID = providerOfferID
	return nil
}

type fakePlatformService struct {
	platformdomain.Service
}

func (fakePlatformService) GetPlatform(_ context.Context, id string) (platformdomain.Platform, error) {
	if id != "1" {
		return platformdomain.Platform{}, platformdomain.ErrPlatformNotFound
	}
	return platformdomain.Platform{ID: 1, Code: "netflix", DisplayName: "Netflix", HasProfiles: true, MaxProfilesPerAccount: 4}, nil
}

type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	keys       []string
}

func (f *fakeLimiter) Enabled() bool { return true }

func (f *fakeLimiter) Allow(_ context.Context, key string) (*ratelimit.RateLimitResult, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return &ratelimit.RateLimitResult{Allowed: f.allowed, Limit: 1, RetryAfter: f.retryAfter}, nil
}

func newTestRouter(s *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	s.engine = router
	s.RegisterAPIRoutes()
	s.RegisterAdminRoutes()
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", resp.Body.String(), err)
	}
	return body.Error
}

func TestRequestAllocationReturnsBindings(t *testing.T) {
	subs := &fakeSubscriptionService{}
	router := newTestRouter(&Server{subscriptionSvc: subs})

	resp := doRequest(router, http.MethodPost, "/api/allocations",
		`{"subscription_id":" 800 ","user_id":"u-1","offer_id":"61","legs":[{"platform_id":"1","slot_count":2}]}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if subs.allocateReq.SubscriptionID != "800" {
		t.Fatalf("expected trimmed subscription id, got %q", subs.allocateReq.SubscriptionID)
	}
	if len(subs.allocateReq.Legs) != 1 || subs.allocateReq.Legs[0].SlotCount != 2 {
		t.Fatalf("legs not forwarded: %+v", subs.allocateReq.Legs)
	}

	var body struct {
		Data subscriptiondomain.ActivationResponse `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Data.Status != subscriptiondomain.SubscriptionStatusActive || len(body.Data.Bindings) != 1 {
		t.Fatalf("unexpected activation %+v", body.Data)
	}
}

func TestRequestAllocationErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{"exhausted", allocationdomain.ErrAllocationExhausted, http.StatusConflict, "allocation_exhausted", ""},
		{"terminal", subscriptiondomain.ErrSubscriptionTerminal, http.StatusConflict, "state_conflict", ""},
		{"invalid request", fmt.Errorf("%w: offer 61 has no legs", subscriptiondomain.ErrInvalidRequest), http.StatusBadRequest, "validation_error", "invalid_request"},
		{"over capacity", subscriptiondomain.ErrSlotCountExceedsCapacity, http.StatusBadRequest, "validation_error", "slot_count_exceeds_capacity"},
		{"offer missing", platformdomain.ErrOfferNotFound, http.StatusNotFound, "not_found", ""},
		{"contention", fmt.Errorf("bind leg: %w", allocationdomain.ErrSlotContention), http.StatusServiceUnavailable, "service_unavailable", ""},
		{"slot not bound", profiledomain.ErrSlotNotBound, http.StatusInternalServerError, "internal_error", ""},
		{"user mismatch", subscriptiondomain.ErrUserMismatch, http.StatusConflict, "conflict", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(&Server{subscriptionSvc: &fakeSubscriptionService{allocateErr: tc.err}})
			resp := doRequest(router, http.MethodPost, "/api/allocations", `{"subscription_id":"800","user_id":"u-1","offer_id":"61"}`)

			if resp.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, resp.Code)
			}
			payload := decodeError(t, resp)
			if payload.Type != tc.wantType {
				t.Fatalf("expected type %q, got %q", tc.wantType, payload.Type)
			}
			if tc.wantCode != "" {
				if len(payload.Errors) != 1 || payload.Errors[0].Code != tc.wantCode {
					t.Fatalf("expected code %q, got %+v", tc.wantCode, payload.Errors)
				}
			}
		})
	}
}

func TestRequestAllocationRejectsMalformedJSON(t *testing.T) {
	subs := &fakeSubscriptionService{}
	router := newTestRouter(&Server{subscriptionSvc: subs})

	resp := doRequest(router, http.MethodPost, "/api/allocations", `{"subscription_id":`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if subs.allocateCalls != 0 {
		t.Fatal("service must not be called on a malformed body")
	}
}

func TestAllocationRateLimitDenies(t *testing.T) {
	subs := &fakeSubscriptionService{}
	limiter := &fakeLimiter{allowed: false, retryAfter: 1500 * time.Millisecond}
	router := newTestRouter(&Server{subscriptionSvc: subs, limiter: limiter})

	resp := doRequest(router, http.MethodPost, "/api/allocations", `{"subscription_id":"800","user_id":"u-1","offer_id":"61"}`)

	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", resp.Code)
	}
	if got := resp.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	if subs.allocateCalls != 0 {
		t.Fatal("throttled request must not reach the service")
	}
	if len(limiter.keys) != 1 || limiter.keys[0] == "" {
		t.Fatalf("expected one limiter call keyed by client ip, got %v", limiter.keys)
	}
}

func TestAllocationRateLimitAllowsAndFailsClosed(t *testing.T) {
	subs := &fakeSubscriptionService{}
	router := newTestRouter(&Server{subscriptionSvc: subs, limiter: &fakeLimiter{allowed: true}})
	resp := doRequest(router, http.MethodPost, "/api/allocations", `{"subscription_id":"800","user_id":"u-1","offer_id":"61"}`)
	if resp.Code != http.StatusOK || subs.allocateCalls != 1 {
		t.Fatalf("expected allowed request to pass, got %d", resp.Code)
	}

	router = newTestRouter(&Server{subscriptionSvc: subs, limiter: &fakeLimiter{err: errors.New("redis down")}})
	resp = doRequest(router, http.MethodPost, "/api/allocations", `{"subscription_id":"800","user_id":"u-1","offer_id":"61"}`)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
}

func TestSubscriptionRoutes(t *testing.T) {
	subs := &fakeSubscriptionService{}
	router := newTestRouter(&Server{subscriptionSvc: subs})

	if resp := doRequest(router, http.MethodGet, "/api/subscriptions/abc", ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid id 400, got %d", resp.Code)
	}
	if resp := doRequest(router, http.MethodGet, "/api/subscriptions/800", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp := doRequest(router, http.MethodPost, "/api/subscriptions/800/renew", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected renew 200, got %d", resp.Code)
	}

	resp := doRequest(router, http.MethodPost, "/admin/subscriptions/800/cancel", "")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected cancel 204, got %d", resp.Code)
	}
	if len(subs.cancelled) != 1 || subs.cancelled[0] != "800" {
		t.Fatalf("unexpected cancel calls %v", subs.cancelled)
	}

	resp = doRequest(router, http.MethodGet, "/admin/subscriptions?status=active&user_id=u-1&page_size=5", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected list 200, got %d", resp.Code)
	}
	if subs.listReq.Status != "active" || subs.listReq.UserID != "u-1" || subs.listReq.PageSize != 5 {
		t.Fatalf("unexpected list request %+v", subs.listReq)
	}
	var body struct {
		Data     []subscriptiondomain.SubscriptionResponse `json:"data"`
		PageInfo pagination.PageInfo                      `json:"page_info"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Data) != 1 || !body.PageInfo.HasMore {
		t.Fatalf("unexpected list body %s", resp.Body.String())
	}
}

func TestGetSubscriptionNotFound(t *testing.T) {
	router := newTestRouter(&Server{subscriptionSvc: &fakeSubscriptionService{getErr: subscriptiondomain.ErrSubscriptionNotFound}})

	resp := doRequest(router, http.MethodGet, "/api/subscriptions/999", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAccountRoutes(t *testing.T) {
	accounts := &fakeAccountService{}
	router := newTestRouter(&Server{accountSvc: accounts})

	if resp := doRequest(router, http.MethodGet, "/admin/accounts?platform_id=netflix", ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid platform_id 400, got %d", resp.Code)
	}
	if resp := doRequest(router, http.MethodGet, "/admin/accounts?platform_id=1", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected list 200, got %d", resp.Code)
	}
	if accounts.listReq.PlatformID != "1" {
		t.Fatalf("platform filter not forwarded: %+v", accounts.listReq)
	}

	if resp := doRequest(router, http.MethodGet, "/admin/accounts/10/profiles", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected profiles 200, got %d", resp.Code)
	}
	if resp := doRequest(router, http.MethodGet, "/admin/accounts/404/profiles", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected profiles 404, got %d", resp.Code)
	}

	if resp := doRequest(router, http.MethodPost, "/admin/accounts/10/deactivate", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected deactivate 204, got %d", resp.Code)
	}
	if accounts.deactivated != "10" {
		t.Fatalf("deactivate not forwarded")
	}

	if resp := doRequest(router, http.MethodPut, "/admin/accounts/10/status", `{"status":"locked"}`); resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	if accounts.status != accountdomain.AccountStatusLocked {
		t.Fatalf("expected LOCKED, got %q", accounts.status)
	}

	resp := doRequest(router, http.MethodPut, "/admin/accounts/10/status", `{"status":"retired"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid status 400, got %d", resp.Code)
	}
	if payload := decodeError(t, resp); len(payload.Errors) != 1 || payload.Errors[0].Field != "status" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if resp := doRequest(router, http.MethodPut, "/admin/accounts/10/provider-offer", `{"provider_offer_id":" 77 "}`); resp.Code != http.StatusNoContent {
		t.Fatalf("expected provider offer 204, got %d", resp.Code)
	}
	if accounts.offerID != "77" {
		t.Fatalf("expected trimmed provider offer id, got %q", accounts.offerID)
	}
}

func TestPlatformRoutes(t *testing.T) {
	router := newTestRouter(&Server{platformSvc: fakePlatformService{}})

	if resp := doRequest(router, http.MethodGet, "/api/platforms/1", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp := doRequest(router, http.MethodGet, "/api/platforms/2", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp := doRequest(router, http.MethodGet, "/api/platforms/x", ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(fmt.Errorf("release: %w", profiledomain.ErrSlotNotBound))
	if typ != "internal_error" || code != "slot_not_bound" {
		t.Fatalf("unexpected classification %q %q", typ, code)
	}

	typ, code = classifyErrorForLog(accountdomain.ErrInvalidLabel)
	if typ != "validation_error" || code != "invalid_label" {
		t.Fatalf("unexpected classification %q %q", typ, code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	if got := retryAfterSeconds(0); got != "1" {
		t.Fatalf("expected floor of 1 second, got %q", got)
	}
	if got := retryAfterSeconds(2100 * time.Millisecond); got != "3" {
		t.Fatalf("expected ceil, got %q", got)
	}
}
