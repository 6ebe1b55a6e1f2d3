package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/t3chn0func/webio/pkg/logger"
)

// Every response uses the same envelope so clients can branch on success
// without inspecting status codes.

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
	Meta    apiMeta   `json:"meta"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{
		Success: true,
		Data:    data,
		Meta:    newMeta(c),
	})
}

func respondError(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: message, Details: details},
		Meta:    newMeta(c),
	})
}

func newMeta(c *gin.Context) apiMeta {
	return apiMeta{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: logger.RequestID(c),
	}
}
