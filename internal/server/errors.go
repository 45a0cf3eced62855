package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/netcafe/internal/audit/domain"
	billingdomain "github.com/smallbiznis/netcafe/internal/billing/domain"
	commanddomain "github.com/smallbiznis/netcafe/internal/command/domain"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
	memberdomain "github.com/smallbiznis/netcafe/internal/member/domain"
	ratedomain "github.com/smallbiznis/netcafe/internal/rate/domain"
	sessiondomain "github.com/smallbiznis/netcafe/internal/session/domain"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
	ErrOrgRequired        = errors.New("org_required")
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
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrOrgRequired):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, devicedomain.ErrDeviceBusy),
		errors.Is(err, sessiondomain.ErrDeviceBusy):
		return http.StatusConflict, errorPayload{
			Type:    "device_busy",
			Message: "device already has an open session",
		}
	case errors.Is(err, sessiondomain.ErrMemberBusy):
		return http.StatusConflict, errorPayload{
			Type:    "member_busy",
			Message: "member already has an open session",
		}
	case errors.Is(err, sessiondomain.ErrDeviceUnavailable):
		return http.StatusConflict, errorPayload{
			Type:    "device_unavailable",
			Message: "device is not available",
		}
	case errors.Is(err, billingdomain.ErrInsufficientCredits),
		errors.Is(err, sessiondomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case errors.Is(err, sessiondomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "session cannot make this transition",
		}
	case isArchivedError(err):
		return http.StatusConflict, errorPayload{
			Type:    "archived",
			Message: err.Error(),
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, devicedomain.ErrDuplicateCode),
		errors.Is(err, memberdomain.ErrDuplicateUsername),
		errors.Is(err, billingdomain.ErrConflict),
		errors.Is(err, sessiondomain.ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
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

// classifyErrorForLog reports the response type and a stable code for the
// request log. Internal errors keep their message out of the code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	switch payload.Type {
	case "internal_error":
		return payload.Type, "internal_error"
	case "validation_error":
		if len(payload.Errors) > 0 {
			return payload.Type, payload.Errors[0].Code
		}
		return payload.Type, "invalid_request"
	default:
		return payload.Type, err.Error()
	}
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
	case errors.Is(err, ErrInvalidRequest):
		return true
	case errors.Is(err, devicedomain.ErrInvalidOrganization),
		errors.Is(err, devicedomain.ErrInvalidCode),
		errors.Is(err, devicedomain.ErrInvalidName),
		errors.Is(err, devicedomain.ErrInvalidStatus):
		return true
	case errors.Is(err, ratedomain.ErrInvalidOrganization),
		errors.Is(err, ratedomain.ErrInvalidName),
		errors.Is(err, ratedomain.ErrInvalidRate):
		return true
	case errors.Is(err, memberdomain.ErrInvalidOrganization),
		errors.Is(err, memberdomain.ErrInvalidUsername):
		return true
	case errors.Is(err, billingdomain.ErrInvalidOrganization),
		errors.Is(err, billingdomain.ErrInvalidAmount):
		return true
	case errors.Is(err, sessiondomain.ErrInvalidOrganization),
		errors.Is(err, sessiondomain.ErrInvalidAmount),
		errors.Is(err, sessiondomain.ErrInvalidRate),
		errors.Is(err, sessiondomain.ErrInvalidElapsed),
		errors.Is(err, sessiondomain.ErrInvalidReason):
		return true
	case errors.Is(err, commanddomain.ErrInvalidOrganization),
		errors.Is(err, commanddomain.ErrInvalidCommandType),
		errors.Is(err, commanddomain.ErrInvalidPayload),
		errors.Is(err, commanddomain.ErrInvalidStatus):
		return true
	case errors.Is(err, auditdomain.ErrInvalidOrganization),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, devicedomain.ErrNotFound),
		errors.Is(err, devicedomain.ErrRateNotFound),
		errors.Is(err, ratedomain.ErrNotFound),
		errors.Is(err, memberdomain.ErrNotFound),
		errors.Is(err, billingdomain.ErrMemberNotFound),
		errors.Is(err, sessiondomain.ErrNotFound),
		errors.Is(err, sessiondomain.ErrDeviceNotFound),
		errors.Is(err, sessiondomain.ErrRateNotFound),
		errors.Is(err, sessiondomain.ErrMemberNotFound),
		errors.Is(err, commanddomain.ErrNotFound),
		errors.Is(err, commanddomain.ErrDeviceNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isArchivedError(err error) bool {
	return errors.Is(err, devicedomain.ErrDeviceArchived) ||
		errors.Is(err, devicedomain.ErrRateArchived) ||
		errors.Is(err, ratedomain.ErrRateArchived) ||
		errors.Is(err, sessiondomain.ErrDeviceArchived) ||
		errors.Is(err, sessiondomain.ErrRateArchived) ||
		errors.Is(err, commanddomain.ErrDeviceArchived)
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
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
