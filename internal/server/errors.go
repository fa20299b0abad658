package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	entitlementdomain "github.com/smallbiznis/creditledger/internal/entitlement/domain"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	toolcostdomain "github.com/smallbiznis/creditledger/internal/toolcost/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
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
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Remaining *int64            `json:"remaining,omitempty"`
	Required  *int64            `json:"required,omitempty"`
}

type errorResponse struct {
	Success bool         `json:"success"`
	Error   errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

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

	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		remaining, required := insufficient.Remaining, insufficient.Required
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_credits",
			Message:   "insufficient credits",
			Remaining: &remaining,
			Required:  &required,
		}
	}

	if isValidationError(err) {
		code := errorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case errors.Is(err, paymentdomain.ErrSignatureInvalid),
		errors.Is(err, paymentdomain.ErrAmountMismatch),
		errors.Is(err, paymentdomain.ErrPaymentNotCaptured):
		return http.StatusBadRequest, errorPayload{
			Type:    errorCode(err),
			Message: "payment verification failed",
		}
	case errors.Is(err, paymentdomain.ErrLedgerMutationFailed):
		return http.StatusInternalServerError, errorPayload{
			Type:    "reconciliation_pending",
			Message: "payment received, credits will be applied shortly",
		}
	case errors.Is(err, paymentdomain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "gateway_unavailable",
			Message: "payment gateway unavailable, try again",
		}
	case errors.Is(err, paymentdomain.ErrGatewayRejected):
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_rejected",
			Message: "payment gateway rejected the request",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    errorCode(err),
			Message: conflictMessage(err),
		}
	case errors.Is(err, toolcostdomain.ErrToolUnavailable):
		return http.StatusNotFound, errorPayload{
			Type:    "tool_unavailable",
			Message: "tool is not available",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrConfigMissing),
		errors.Is(err, config.ErrConfigMissing):
		return http.StatusInternalServerError, errorPayload{
			Type:    "config_missing",
			Message: "payments are not configured",
		}
	case errors.Is(err, ErrServiceUnavailable):
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

// classifyErrorForLog feeds the request logger without exposing messages.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
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

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken):
		return true
	case errors.Is(err, creditdomain.ErrInvalidAccount),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidTool):
		return true
	case errors.Is(err, paymentdomain.ErrInvalidAccount),
		errors.Is(err, paymentdomain.ErrInvalidPlan),
		errors.Is(err, paymentdomain.ErrInvalidProduct),
		errors.Is(err, paymentdomain.ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidPayload):
		return true
	case errors.Is(err, entitlementdomain.ErrInvalidAccount),
		errors.Is(err, entitlementdomain.ErrInvalidGrant),
		errors.Is(err, toolcostdomain.ErrInvalidTool):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, paymentdomain.ErrOrderConflict),
		errors.Is(err, paymentdomain.ErrOrderFailed),
		errors.Is(err, paymentdomain.ErrAlreadyEntitled),
		errors.Is(err, paymentdomain.ErrNotReconcilable):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrOrderNotFound),
		errors.Is(err, creditdomain.ErrNotInitialized),
		errors.Is(err, creditdomain.ErrUnknownAccount),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, paymentdomain.ErrAlreadyEntitled):
		return "you already have ad-free access"
	case errors.Is(err, paymentdomain.ErrOrderFailed):
		return "order has failed"
	case errors.Is(err, paymentdomain.ErrNotReconcilable):
		return "order is not awaiting reconciliation"
	default:
		return "order conflict"
	}
}

// errorCode returns the innermost sentinel code of a wrapped error.
func errorCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if code == "invalid_page_token" {
		return "page_token"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_plan":
		return "invalid plan id"
	default:
		return "invalid value"
	}
}
