package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	"github.com/smallbiznis/slotbroker/internal/audit/auditcontext"
	auditdomain "github.com/smallbiznis/slotbroker/internal/audit/domain"
	obscontext "github.com/smallbiznis/slotbroker/internal/observability/context"
)

type fakeAuditService struct {
	auditdomain.Service

	listReq auditdomain.ListAuditLogRequest
	listErr error
}

func (f *fakeAuditService) List(_ context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	f.listReq = req
	if f.listErr != nil {
		return auditdomain.ListAuditLogResponse{}, f.listErr
	}
	target := "10"
	return auditdomain.ListAuditLogResponse{
		AuditLogs: []auditdomain.AuditLog{{
			ID:         5,
			ActorType:  string(auditdomain.ActorTypeOperator),
			Action:     auditdomain.ActionAccountStatusChanged,
			TargetType: auditdomain.TargetTypeAccount,
			TargetID:   &target,
		}},
	}, nil
}

type actorRecordingAccountService struct {
	accountdomain.Service

	actorType string
	actorID   string
	ip        string
}

func (f *actorRecordingAccountService) Deactivate(ctx context.Context, _ string) error {
	f.actorType, f.actorID = obscontext.ActorFromContext(ctx)
	f.ip = auditcontext.IPAddressFromContext(ctx)
	return nil
}

func TestListAuditLogsForwardsFilters(t *testing.T) {
	audits := &fakeAuditService{}
	router := newTestRouter(&Server{auditSvc: audits})

	resp := doRequest(router, http.MethodGet, "/admin/audit-logs?action=account.status_changed&target_type=account&target_id=10&page_size=5", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if audits.listReq.Action != auditdomain.ActionAccountStatusChanged || audits.listReq.TargetID != "10" || audits.listReq.PageSize != 5 {
		t.Fatalf("filters not forwarded: %+v", audits.listReq)
	}

	var body struct {
		Data []auditdomain.AuditLog `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Action != auditdomain.ActionAccountStatusChanged {
		t.Fatalf("unexpected entries %+v", body.Data)
	}
}

func TestListAuditLogsRejectsBadToken(t *testing.T) {
	router := newTestRouter(&Server{auditSvc: &fakeAuditService{listErr: auditdomain.ErrInvalidPageToken}})

	resp := doRequest(router, http.MethodGet, "/admin/audit-logs?page_token=nope", "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if got := decodeError(t, resp); got.Type != "validation_error" {
		t.Fatalf("unexpected error type %q", got.Type)
	}
}

func TestListAuditLogsWithoutServiceIsUnavailable(t *testing.T) {
	router := newTestRouter(&Server{})

	resp := doRequest(router, http.MethodGet, "/admin/audit-logs", "")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
}

func TestAdminRoutesCarryOperator(t *testing.T) {
	accounts := &actorRecordingAccountService{}
	router := newTestRouter(&Server{accountSvc: accounts})

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts/10/deactivate", nil)
	req.Header.Set(operatorHeader, "ops-7")
	req.RemoteAddr = "10.1.2.3:4567"
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", resp.Code, resp.Body.String())
	}
	if accounts.actorType != "operator" || accounts.actorID != "ops-7" {
		t.Fatalf("unexpected actor %q/%q", accounts.actorType, accounts.actorID)
	}
	if accounts.ip != "10.1.2.3" {
		t.Fatalf("unexpected client ip %q", accounts.ip)
	}
}
