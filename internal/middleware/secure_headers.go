package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecureHeadersMiddleware adds the response headers a JSON admin API needs
func SecureHeadersMiddleware(useHSTS bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if useHSTS {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
