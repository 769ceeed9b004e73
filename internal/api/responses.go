package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

func fail(c *gin.Context, status int, apiErr *APIError) {
	c.AbortWithStatusJSON(status, APIResponse{
		Success:   false,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data any) {
	respond(c, http.StatusOK, data)
}

// AcceptedResponse sends a 202 Accepted response
func AcceptedResponse(c *gin.Context, data any) {
	respond(c, http.StatusAccepted, data)
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr, ok := err.(*errors.AppError)
	if !ok {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, &APIError{
			Code:    "UNKNOWN_ERROR",
			Message: "An unknown error occurred",
		})
		return
	}

	var status int
	switch appErr.Type {
	case errors.ErrorTypeValidation, errors.ErrorTypeConfig:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeConflict:
		status = http.StatusConflict
	case errors.ErrorTypeScan:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		_ = c.Error(err)
	}

	apiErr := &APIError{Code: appErr.Code, Message: appErr.Message}
	if len(appErr.Details) > 0 {
		apiErr.Details = make(map[string]any, len(appErr.Details))
		for k, v := range appErr.Details {
			apiErr.Details[k] = v
		}
	}
	fail(c, status, apiErr)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: message})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, &APIError{Code: "NOT_FOUND", Message: message})
}

