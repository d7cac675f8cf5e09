package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
)

type allocationLegRequest struct {
	PlatformID string `json:"platform_id"`
	SlotCount  int    `json:"slot_count"`
}

type allocationRequest struct {
	SubscriptionID string                 `json:"subscription_id"`
	UserID         string                 `json:"user_id"`
	OfferID        string                 `json:"offer_id"`
	Legs           []allocationLegRequest `json:"legs"`
	Metadata       map[string]any         `json:"metadata"`
}

// RequestAllocation binds profile slots to a paid subscription. A request for
// an already active subscription replays the existing bindings.
func (s *Server) RequestAllocation(c *gin.Context) {
	var req allocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriptionID := strings.TrimSpace(req.SubscriptionID)
	c.Set("subscription_id", subscriptionID)

	legs := make([]subscriptiondomain.LegRequest, 0, len(req.Legs))
	for _, leg := range req.Legs {
		legs = append(legs, subscriptiondomain.LegRequest{
			PlatformID: strings.TrimSpace(leg.PlatformID),
			SlotCount:  leg.SlotCount,
		})
	}

	resp, err := s.subscriptionSvc.RequestAllocation(c.Request.Context(), subscriptiondomain.RequestAllocationRequest{
		SubscriptionID: subscriptionID,
		UserID:         strings.TrimSpace(req.UserID),
		OfferID:        strings.TrimSpace(req.OfferID),
		Legs:           legs,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
