package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/authdemo/authdemo-api/internal/service"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
	"github.com/authdemo/authdemo-api/pkg/response"
)

// ContextUserKey is the gin context key storing JWT claims.
const ContextUserKey = "currentUser"

// JWT protects routes by requiring a valid access token backed by a live
// session. Signature validation alone is not enough: a token whose session was
// invalidated verifies cryptographically but must be rejected. When the
// session store cannot answer, the request fails closed with 503 rather than
// admitting a possibly revoked token.
func JWT(tokens *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := tokens.ValidateAccessToken(parts[1])
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		live, err := tokens.IsAccessTokenLive(c.Request.Context(), claims.RegisteredClaims.ID, claims.UserID)
		if err != nil {
			var appErr *appErrors.Error
			if errors.As(err, &appErr) && appErr.Code == appErrors.ErrStoreUnavailable.Code {
				response.Error(c, appErr)
			} else {
				response.Error(c, appErrors.Clone(appErrors.ErrStoreUnavailable, ""))
			}
			c.Abort()
			return
		}
		if !live {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "session expired or revoked"))
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}
