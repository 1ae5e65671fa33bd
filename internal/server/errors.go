package server

import (
	"errors"
	"net/http"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
	orgdomain "github.com/docuply/backend/internal/organization/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

type errorPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware renders the last handler error as a structured
// JSON body. Handlers report errors via AbortWithError instead of writing
// status codes themselves.
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

func mapError(err error) (int, errorPayload) {
	var insufficient *billingdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_credits",
			Message:   "insufficient credits",
			Required:  insufficient.Required,
			Available: insufficient.Available,
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, billingdomain.ErrInvalidWebhookSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, billingdomain.ErrSubscriptionActive),
		errors.Is(err, billingdomain.ErrMultipleActiveSubscriptions):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, billingdomain.ErrBillingDisabled),
		errors.Is(err, billingdomain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "billing unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, billingdomain.ErrInvalidOrganization),
		errors.Is(err, orgdomain.ErrInvalidOrganization),
		errors.Is(err, billingdomain.ErrInvalidSPUs),
		errors.Is(err, billingdomain.ErrInvalidCredits),
		errors.Is(err, billingdomain.ErrInvalidTier),
		errors.Is(err, billingdomain.ErrInvalidSession),
		errors.Is(err, billingdomain.ErrInvalidPeriod),
		errors.Is(err, billingdomain.ErrPurchaseOutOfBounds):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, billingdomain.ErrCustomerNotFound),
		errors.Is(err, billingdomain.ErrSubscriptionNotFound),
		errors.Is(err, billingdomain.ErrPriceNotFound),
		errors.Is(err, orgdomain.ErrOrganizationNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func invalidRequestError() error {
	return ErrInvalidRequest
}
