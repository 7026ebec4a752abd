// Package requestid tags every request with a correlation id, reusing the
// caller's X-Request-ID header when one is supplied.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// Header is the HTTP header carrying the request id in both directions.
const Header = "X-Request-ID"

const contextKey = "request_id"

// Middleware stores the request id in the gin context and echoes it on the
// response so clients can correlate logs.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(Header)
		if id == "" {
			id = newID()
		}

		c.Set(contextKey, id)
		c.Writer.Header().Set(Header, id)

		c.Next()
	}
}

// Value returns the request id for the current request, or "" when the
// middleware did not run.
func Value(c *gin.Context) string {
	v, exists := c.Get(contextKey)
	if !exists {
		return ""
	}
	id, _ := v.(string)
	return id
}

// newID produces 32 hex characters of randomness. The timestamp fallback only
// matters when the system entropy source is unreadable.
func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
