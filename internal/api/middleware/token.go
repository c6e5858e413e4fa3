package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const WebhookTokenHeader = "X-Webhook-Token"

// WebhookToken rejects requests whose X-Webhook-Token header does not
// match secret. An empty secret disables the check.
func WebhookToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(WebhookTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
