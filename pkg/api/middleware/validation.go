package middleware

import (
	"math/rand"
	"net/http"

	"github.com/gin-gonic/gin"

	"kodiak/pkg/models"
)

// ValidatorConfig holds validation configuration for incoming AddOptions
// (spec §6 Producer API).
type ValidatorConfig struct {
	MaxBodySize  int64 // Maximum request body size in bytes
	MaxPriority  int
	MinPriority  int
	MaxAttempts  int
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize: 1 << 20, // 1MB
		MinPriority: 1,
		MaxPriority: 100,
		MaxAttempts: 50,
	}
}

// Validator performs request validation
type Validator struct {
	config ValidatorConfig
}

// NewValidator creates a new validator with the given config
func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateAddOptions checks a Producer API request against spec §6's
// option bounds before it reaches the repository.
func (v *Validator) ValidateAddOptions(opts models.AddOptions) error {
	if opts.Priority < v.config.MinPriority || opts.Priority > v.config.MaxPriority {
		return &ValidationError{
			Field:   "priority",
			Message: "priority out of allowed range",
		}
	}
	if opts.Delay < 0 {
		return &ValidationError{
			Field:   "delay",
			Message: "delay must be non-negative",
		}
	}
	if opts.Attempts < 1 || opts.Attempts > v.config.MaxAttempts {
		return &ValidationError{
			Field:   "attempts",
			Message: "attempts out of allowed range",
		}
	}
	if opts.Backoff != nil {
		switch opts.Backoff.Type {
		case models.BackoffFixed, models.BackoffExponential:
		default:
			return &ValidationError{
				Field:   "backoff.type",
				Message: "unknown backoff type",
			}
		}
		if opts.Backoff.Delay < 0 {
			return &ValidationError{
				Field:   "backoff.delay",
				Message: "backoff delay must be non-negative",
			}
		}
	}
	if opts.Repeat != nil {
		if opts.Repeat.Every <= 0 && opts.Repeat.Cron == "" {
			return &ValidationError{
				Field:   "repeat",
				Message: "repeat requires either every or cron",
			}
		}
		if opts.Repeat.Every > 0 && opts.Repeat.Cron != "" {
			return &ValidationError{
				Field:   "repeat",
				Message: "every and cron are mutually exclusive",
			}
		}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")
		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")
		// Enable XSS filter
		c.Header("X-XSS-Protection", "1; mode=block")
		// Strict Transport Security (enable in production with HTTPS)
		// c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		
		c.Next()
	}
}

// RequestIDMiddleware adds request ID for tracing
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// generateRequestID creates a simple request ID
func generateRequestID() string {
	// Simple implementation - in production use UUID or similar
	return "req-" + randomString(16)
}

// randomString generates a random alphanumeric string
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
