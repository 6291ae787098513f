package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quotagate/quotagate/internal/logging"
)

// Constants for header names
const (
	// DefaultAPIKeyHeader is the default header name for API key authentication
	DefaultAPIKeyHeader = "X-API-Key"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIKeyAuth creates a middleware that validates API keys from the request header.
// If no API keys are configured, authentication is bypassed.
func APIKeyAuth(apiKeys []string, headerName string, logger *logging.Logger) gin.HandlerFunc {
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}

	if len(apiKeys) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		apiKey := c.GetHeader(headerName)

		if apiKey == "" {
			auditAuthFailure(c, logger, headerName, "missing API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "API key is required. Provide it in the '" + headerName + "' header",
				Code:    http.StatusUnauthorized,
			})
			return
		}

		if validAPIKey(apiKey, apiKeys) {
			c.Set("api_key", apiKey)
			c.Set("authenticated", true)
			c.Next()
			return
		}

		auditAuthFailure(c, logger, headerName, "invalid API key")
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Invalid API key",
			Code:    http.StatusUnauthorized,
		})
	}
}

func validAPIKey(apiKey string, keys []string) bool {
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func auditAuthFailure(c *gin.Context, logger *logging.Logger, headerName, reason string) {
	logger.Audit(c.Request.Context(), logging.NewAuditEvent(logging.AuthFailure, "authenticate", logging.StatusFailure).
		WithSeverity(logging.SeverityWarning).
		WithDetail("reason", reason).
		WithDetail("header_name", headerName).
		WithDetail("client_ip", c.ClientIP()).
		WithDetail("path", c.Request.URL.Path).
		WithDetail("method", c.Request.Method))
}

// IsAuthenticated returns the API key the request was authenticated with.
func IsAuthenticated(c *gin.Context) (string, bool) {
	apiKey, exists := c.Get("api_key")
	if !exists {
		return "", false
	}
	return apiKey.(string), true
}

// MaskAPIKeys masks API keys for logging (shows only first 4 characters)
func MaskAPIKeys(keys []string) []string {
	masked := make([]string, len(keys))
	for i, key := range keys {
		if len(key) <= 4 {
			masked[i] = strings.Repeat("*", len(key))
		} else {
			masked[i] = key[:4] + strings.Repeat("*", len(key)-4)
		}
	}
	return masked
}
