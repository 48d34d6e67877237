package common

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequestIDKey is the gin context key the request id middleware stores under.
const RequestIDKey = "requestID"

// APIResponse is the JSON envelope every endpoint answers with.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError describes a failed request. RequestID matches the X-Request-ID
// response header so a caller can quote it.
type APIError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Success writes data inside a successful envelope.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, APIResponse{Success: true, Data: data})
}

// Error writes an error envelope.
func Error(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, APIResponse{
		Error: &APIError{
			Code:      statusCode,
			Message:   message,
			RequestID: c.GetString(RequestIDKey),
		},
	})
}

// HandleError maps err onto a status code by walking its chain for the
// typed errors of this package. Anything unrecognised is logged and reported
// as a 500 without its message.
func HandleError(c *gin.Context, err error) {
	var (
		notFound     *NotFoundError
		validation   *ValidationError
		unauthorized *UnauthorizedError
		conflict     *ConflictError
		provider     *ProviderError
	)

	switch {
	case errors.As(err, &notFound):
		Error(c, http.StatusNotFound, notFound.Error())
	case errors.As(err, &validation):
		Error(c, http.StatusBadRequest, validation.Error())
	case errors.As(err, &unauthorized):
		Error(c, http.StatusUnauthorized, unauthorized.Error())
	case errors.As(err, &conflict):
		Error(c, http.StatusConflict, conflict.Error())
	case errors.As(err, &provider):
		Error(c, http.StatusBadGateway, provider.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Error(c, http.StatusGatewayTimeout, "request timed out")
	default:
		slog.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", c.GetString(RequestIDKey),
			"error", err,
		)
		Error(c, http.StatusInternalServerError, "internal server error")
	}
}
