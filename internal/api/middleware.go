package api

import (
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/relay/internal/common/errors"
	"github.com/kandev/relay/internal/common/logger"
)

// RequestLogger logs every request with its outcome and duration, tagging
// each with a request id clients can correlate against server logs.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler renders the last gin.Context error as a JSON error body,
// using the AppError envelope when the handler produced one.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		var appErr *apperrors.AppError
		if stderrors.As(err, &appErr) {
			log.Error("request error", zap.String("code", appErr.Code), zap.String("message", appErr.Message), zap.Int("status", appErr.HTTPStatus))
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}

		log.Error("internal server error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    apperrors.ErrCodeInternalError,
				"message": "an internal server error occurred",
			},
		})
	}
}

// Recovery recovers from a panic in a handler and renders it as a 500
// instead of crashing the process, logging the path that panicked.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path), zap.String("method", c.Request.Method))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"code":    apperrors.ErrCodeInternalError,
						"message": "an internal server error occurred",
					},
				})
			}
		}()

		c.Next()
	}
}

// CORS allows any origin to reach the API; relay clients are typically
// browser-hosted and run from origins this process cannot know in advance.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimit throttles requests with a simple per-process token bucket.
// A distributed deployment would need a shared limiter instead; this
// bounds a single relay instance against runaway clients.
func RateLimit(requestsPerSecond int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		tokens   = float64(requestsPerSecond)
		lastTime = time.Now()
	)

	return func(c *gin.Context) {
		mu.Lock()

		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()
		lastTime = now

		tokens += elapsed * float64(requestsPerSecond)
		if tokens > float64(requestsPerSecond) {
			tokens = float64(requestsPerSecond)
		}

		if tokens < 1 {
			mu.Unlock()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "too many requests, please try again later",
				},
			})
			return
		}

		tokens--
		mu.Unlock()

		c.Next()
	}
}
