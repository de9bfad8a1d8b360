package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billforge/pkg/apperr"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
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
	ErrUnauthorized     = apperr.New(apperr.KindUnauthorized, "unauthorized")
	ErrInvalidSignature = apperr.New(apperr.KindUnauthorized, "invalid_signature")
	ErrInvalidRequest   = apperr.Validation("request", "invalid_request", "invalid request")
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
	return ErrInvalidRequest
}

func mapError(err error) (int, errorPayload) {
	var appErr *apperr.Error
	if err == nil || !errors.As(err, &appErr) {
		return http.StatusInternalServerError, errorPayload{
			Type:    string(apperr.KindInternal),
			Message: "internal server error",
		}
	}

	switch appErr.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest, errorPayload{
			Type:    string(apperr.KindValidation),
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   appErr.Field,
				Code:    appErr.Code,
				Message: messageOr(appErr.Message, "invalid value"),
			}},
		}
	case apperr.KindInvalidState:
		return http.StatusBadRequest, errorPayload{
			Type:    string(apperr.KindInvalidState),
			Message: messageOr(appErr.Message, appErr.Code),
		}
	case apperr.KindNotFound:
		return http.StatusNotFound, errorPayload{
			Type:    string(apperr.KindNotFound),
			Message: "not found",
		}
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized, errorPayload{
			Type:    string(apperr.KindUnauthorized),
			Message: "unauthorized",
		}
	case apperr.KindForbidden:
		return http.StatusForbidden, errorPayload{
			Type:    string(apperr.KindForbidden),
			Message: "forbidden",
		}
	case apperr.KindExternalProcessor:
		return http.StatusBadGateway, errorPayload{
			Type:    string(apperr.KindExternalProcessor),
			Message: "payment processor unavailable",
		}
	case apperr.KindConcurrencyConflict, apperr.KindDuplicatePeriod, apperr.KindJobAlreadyRun:
		return http.StatusConflict, errorPayload{
			Type:    string(appErr.Kind),
			Message: messageOr(appErr.Message, "conflict"),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    string(apperr.KindInternal),
			Message: "internal server error",
		}
	}
}

func messageOr(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}

// classifyErrorForLog returns the error type and code logged with a failed
// request.
func classifyErrorForLog(err error) (string, string) {
	return string(apperr.KindOf(err)), apperr.CodeOf(err)
}
