package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/authdemo/authdemo-api/internal/models"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
	"github.com/authdemo/authdemo-api/pkg/response"
)

// RequireRoles enforces role-based access for routes. It must run after JWT.
func RequireRoles(roles ...int64) gin.HandlerFunc {
	allowed := make(map[int64]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		if _, ok := allowed[claims.RoleID]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireSelfOrRoles allows the request when the :id path parameter matches
// the caller, or when the caller holds one of the roles.
func RequireSelfOrRoles(roles ...int64) gin.HandlerFunc {
	allowed := make(map[int64]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		if _, ok := allowed[claims.RoleID]; ok {
			c.Next()
			return
		}
		if targetID := c.Param("id"); targetID != "" && targetID == claims.UserID {
			c.Next()
			return
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
