package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	allocationdomain "github.com/smallbiznis/slotbroker/internal/allocation/domain"
	auditdomain "github.com/smallbiznis/slotbroker/internal/audit/domain"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	slotdb "github.com/smallbiznis/slotbroker/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

// validationSentinels are the domain errors reported as 400 validation_error.
// The first match decides the error code.
var validationSentinels = []error{
	ErrInvalidRequest,
	subscriptiondomain.ErrSlotCountExceedsCapacity,
	subscriptiondomain.ErrInvalidRequest,
	subscriptiondomain.ErrInvalidSubscriptionID,
	subscriptiondomain.ErrInvalidStatus,
	subscriptiondomain.ErrInvalidPageToken,
	accountdomain.ErrInvalidAccountID,
	accountdomain.ErrInvalidProviderOfferID,
	accountdomain.ErrInvalidLabel,
	accountdomain.ErrInvalidStatus,
	accountdomain.ErrInvalidPageToken,
	platformdomain.ErrInvalidPlatformID,
	platformdomain.ErrInvalidOfferID,
	allocationdomain.ErrInvalidLeg,
	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidAction,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func invalidIDError() error {
	return newValidationError("id", "invalid_id", "invalid id")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if sentinel := validationSentinel(err); sentinel != nil {
		code := sentinel.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(err, code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, allocationdomain.ErrAllocationExhausted):
		return http.StatusConflict, errorPayload{
			Type:    "allocation_exhausted",
			Message: "no account has enough free profiles for this request",
		}
	case errors.Is(err, subscriptiondomain.ErrSubscriptionTerminal):
		return http.StatusConflict, errorPayload{
			Type:    "state_conflict",
			Message: "subscription is in a terminal state",
		}
	case errors.Is(err, subscriptiondomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "state_conflict",
			Message: "transition not allowed from the current status",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, subscriptiondomain.ErrUserMismatch):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isContentionError(err),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same taxonomy the client
// sees.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if errors.Is(err, profiledomain.ErrSlotNotBound) {
		code = profiledomain.ErrSlotNotBound.Error()
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationSentinel(err error) error {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, platformdomain.ErrPlatformNotFound),
		errors.Is(err, platformdomain.ErrOfferNotFound),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isContentionError(err error) bool {
	return errors.Is(err, allocationdomain.ErrSlotContention) ||
		errors.Is(err, profiledomain.ErrSlotAlreadyBound) ||
		slotdb.IsLockContentionErr(err)
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "slot_count_exceeds_capacity", "invalid_leg":
		return "legs"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(err error, code string) string {
	msg := strings.TrimSpace(strings.TrimPrefix(err.Error(), code+":"))
	if msg == "" || msg == code {
		return "invalid value"
	}
	return msg
}
