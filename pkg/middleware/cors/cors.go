// Package cors implements origin allow-listing for browser clients.
package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	allowedHeaders = "Authorization, Content-Type, X-Requested-With, X-Request-ID"
	allowedMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	preflightAge   = "600"
)

// policy holds the normalized allow list. An empty list means any origin.
type policy struct {
	origins map[string]struct{}
}

// New builds a CORS middleware from the configured origin allow list.
// Preflight OPTIONS requests are answered directly with 204.
func New(allowedOrigins []string) gin.HandlerFunc {
	p := policy{origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, origin := range allowedOrigins {
		p.origins[normalize(origin)] = struct{}{}
	}

	return func(c *gin.Context) {
		header := c.Writer.Header()

		switch origin := c.GetHeader("Origin"); {
		case origin == "" && p.open():
			header.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && p.allows(origin):
			header.Set("Access-Control-Allow-Origin", origin)
		}

		header.Set("Vary", "Origin")
		header.Set("Access-Control-Allow-Credentials", "true")
		header.Set("Access-Control-Allow-Headers", allowedHeaders)
		header.Set("Access-Control-Allow-Methods", allowedMethods)
		header.Set("Access-Control-Max-Age", preflightAge)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (p policy) open() bool {
	return len(p.origins) == 0
}

func (p policy) allows(origin string) bool {
	if p.open() {
		return true
	}
	_, ok := p.origins[normalize(origin)]
	return ok
}

// normalize strips trailing slashes so "https://a.example/" and
// "https://a.example" compare equal.
func normalize(origin string) string {
	return strings.TrimRight(origin, "/")
}
