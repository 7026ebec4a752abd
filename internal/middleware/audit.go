package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/authdemo/authdemo-api/internal/models"
	"github.com/authdemo/authdemo-api/internal/service"
)

// Audit records an audit entry after successful requests. Writes go through
// the async audit queue, so a slow or down database never blocks the request.
func Audit(audit *service.AuditService, action, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		if audit == nil || c.Writer.Status() >= 400 {
			return
		}

		userID := ""
		if claims, ok := c.Get(ContextUserKey); ok {
			userID = claims.(*models.JWTClaims).UserID
		}

		audit.Record(service.AuditEntry{
			UserID:   userID,
			Action:   action,
			Resource: resource,
			NewValues: map[string]interface{}{
				"path":    c.FullPath(),
				"method":  c.Request.Method,
				"status":  c.Writer.Status(),
				"latency": time.Since(start).Milliseconds(),
			},
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})
	}
}
