package api

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/metrics"
)

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

// LoggingMiddleware logs every request through the structured logger
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.LogRequest(c.Request.Context(), c.Request.Method, path, c.ClientIP(), c.Writer.Status(), time.Since(start))
		for _, e := range c.Errors {
			logger.WithContext(c.Request.Context()).WithError(e.Err).WithField("request_id", requestID(c)).Error("Request failed")
		}
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response and counts it
func RecoveryMiddleware(logger *logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		m.RecordPanic("api")
		logger.WithContext(c.Request.Context()).
			WithField("panic", fmt.Sprint(recovered)).
			WithField("path", c.Request.URL.Path).
			Error("Recovered from panic")
		fail(c, http.StatusInternalServerError, &APIError{Code: "INTERNAL_ERROR", Message: "Internal server error"})
	})
}

// CORSMiddleware allows the configured origins. No origins or "*" means any
// origin.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
