package http

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// OriginFilter rejects browser requests from origins outside allowed.
// An empty list allows every origin. Requests without an Origin header pass.
func OriginFilter(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}

		ok := len(allowed) == 0 || slices.Contains(allowed, origin)
		if !ok && origin != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		if ok && origin != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
