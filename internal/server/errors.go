package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/quota/internal/audit/domain"
	"github.com/smallbiznis/quota/internal/entitlement"
	paymentdomain "github.com/smallbiznis/quota/internal/payment/domain"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"github.com/smallbiznis/quota/internal/usage/counter"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
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
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrInvalidTenant      = errors.New("invalid_tenant")
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

		c.Header("Content-Type", "application/json")
		var exceeded *entitlement.LimitExceededError
		if errors.As(lastErr.Err, &exceeded) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": exceeded.Payload()})
			return
		}

		status, payload := mapError(lastErr.Err)
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

	if isValidationError(err) {
		code := validationErrorCode(err)
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
	case errors.Is(err, entitlement.ErrLimitExceeded):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "limit_exceeded",
			Message: err.Error(),
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "invalid webhook signature",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, plandomain.ErrManualPlanConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "manual plan changed concurrently, retry",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
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

// classifyErrorForLog feeds error_type and error_code into the request log.
func classifyErrorForLog(err error) (string, string) {
	var exceeded *entitlement.LimitExceededError
	if errors.As(err, &exceeded) {
		return "limit_exceeded", exceeded.Metric
	}
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
		errors.Is(err, ErrInvalidTenant):
		return true
	case isUsageValidationError(err),
		isPlanValidationError(err),
		isPaymentValidationError(err),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidTenant),
		errors.Is(err, entitlement.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isUsageValidationError(err error) bool {
	return errors.Is(err, usagedomain.ErrInvalidTenant) ||
		errors.Is(err, usagedomain.ErrInvalidMetric) ||
		errors.Is(err, usagedomain.ErrInvalidDelta) ||
		errors.Is(err, usagedomain.ErrInvalidTimeRange) ||
		errors.Is(err, counter.ErrInvalidAmount) ||
		errors.Is(err, counter.ErrInvalidMetric) ||
		errors.Is(err, counter.ErrInvalidTenant)
}

func isPlanValidationError(err error) bool {
	return errors.Is(err, plandomain.ErrInvalidName) ||
		errors.Is(err, plandomain.ErrInvalidMetric) ||
		errors.Is(err, plandomain.ErrInvalidLimit) ||
		errors.Is(err, plandomain.ErrInvalidTenant) ||
		errors.Is(err, plandomain.ErrManualPlanRequiresTenant)
}

func isPaymentValidationError(err error) bool {
	return errors.Is(err, paymentdomain.ErrInvalidProvider) ||
		errors.Is(err, paymentdomain.ErrInvalidPayload) ||
		errors.Is(err, paymentdomain.ErrInvalidEvent)
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	var code string
	for _, candidate := range validationSentinels {
		if errors.Is(err, candidate) {
			code = candidate.Error()
			break
		}
	}
	if code == "" {
		code = err.Error()
	}
	return code
}

var validationSentinels = []error{
	ErrInvalidRequest,
	ErrInvalidTenant,
	usagedomain.ErrInvalidTenant,
	usagedomain.ErrInvalidMetric,
	usagedomain.ErrInvalidDelta,
	usagedomain.ErrInvalidTimeRange,
	counter.ErrInvalidAmount,
	counter.ErrInvalidMetric,
	plandomain.ErrInvalidName,
	plandomain.ErrInvalidLimit,
	plandomain.ErrManualPlanRequiresTenant,
	paymentdomain.ErrInvalidProvider,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidEvent,
	auditdomain.ErrInvalidTimeRange,
	entitlement.ErrInvalidAction,
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
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
	default:
		return "invalid value"
	}
}
