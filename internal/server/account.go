package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	"github.com/smallbiznis/slotbroker/pkg/db/pagination"
)

type provisionAccountRequest struct {
	PlatformID      string         `json:"platform_id"`
	Label           string         `json:"label"`
	Credentials     map[string]any `json:"credentials"`
	ProviderOfferID string         `json:"provider_offer_id"`
}

type setAccountStatusRequest struct {
	Status string `json:"status"`
}

type setProviderOfferRequest struct {
	ProviderOfferID string `json:"provider_offer_id"`
}

func (s *Server) ProvisionAccount(c *gin.Context) {
	var req provisionAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.accountSvc.Provision(c.Request.Context(), accountdomain.ProvisionRequest{
		PlatformID:      strings.TrimSpace(req.PlatformID),
		Label:           strings.TrimSpace(req.Label),
		Credentials:     req.Credentials,
		ProviderOfferID: strings.TrimSpace(req.ProviderOfferID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAccounts(c *gin.Context) {
	var query struct {
		pagination.Pagination
		PlatformID string `form:"platform_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	platformID, err := parseOptionalSnowflakeID(query.PlatformID)
	if err != nil {
		AbortWithError(c, newValidationError("platform_id", "invalid_platform_id", "invalid platform_id"))
		return
	}

	req := accountdomain.ListAccountRequest{
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	}
	if platformID != nil {
		req.PlatformID = platformID.String()
	}

	resp, err := s.accountSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Accounts, "page_info": resp.PageInfo})
}

func (s *Server) GetAccountByID(c *gin.Context) {
	id, ok := accountIDParam(c)
	if !ok {
		return
	}

	item, err := s.accountSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListAccountProfiles(c *gin.Context) {
	id, ok := accountIDParam(c)
	if !ok {
		return
	}

	slots, err := s.accountSvc.ListProfiles(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": slots})
}

// DeactivateAccount takes the account out of allocation. Subscriptions
// already bound to it keep their slots until they expire.
func (s *Server) DeactivateAccount(c *gin.Context) {
	id, ok := accountIDParam(c)
	if !ok {
		return
	}

	if err := s.accountSvc.Deactivate(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) SetAccountStatus(c *gin.Context) {
	id, ok := accountIDParam(c)
	if !ok {
		return
	}

	var req setAccountStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := accountdomain.AccountStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if err := s.accountSvc.SetStatus(c.Request.Context(), id, status); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) SetAccountProviderOffer(c *gin.Context) {
	id, ok := accountIDParam(c)
	if !ok {
		return
	}

	var req setProviderOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.accountSvc.SetProviderOffer(c.Request.Context(), id, strings.TrimSpace(req.ProviderOfferID)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func accountIDParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := snowflake.ParseString(id); err != nil {
		AbortWithError(c, invalidIDError())
		return "", false
	}
	return id, true
}
