package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is the JSON body of every dashboard error response. The "error" key
// matches what the research backend itself returns.
type APIError struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]any) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}

func abort(c *gin.Context, status int, code, message string, details map[string]any) {
	body := NewAPIError(message, details)
	body.Code = code
	c.AbortWithStatusJSON(status, body)
}

// AbortWithBadRequest sends a 400 and aborts the request.
func AbortWithBadRequest(c *gin.Context, message string, details map[string]any) {
	abort(c, http.StatusBadRequest, "invalid_request", message, details)
}

// AbortWithConflict sends a 409 and aborts the request.
// Used when a research run is already in progress.
func AbortWithConflict(c *gin.Context, message string, details map[string]any) {
	abort(c, http.StatusConflict, "conflict", message, details)
}

// AbortWithUnavailable sends a 503 and aborts the request.
func AbortWithUnavailable(c *gin.Context, message string, details map[string]any) {
	abort(c, http.StatusServiceUnavailable, "backend_unavailable", message, details)
}

// AbortWithInternal sends a 500 and aborts the request.
func AbortWithInternal(c *gin.Context, message string, details map[string]any) {
	abort(c, http.StatusInternalServerError, "internal_error", message, details)
}
