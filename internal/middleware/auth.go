package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "storylab-backend/pkg/errors"
	"storylab-backend/pkg/jwt"
	"storylab-backend/pkg/response"
)

// Context keys set by AuthMiddleware
const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
)

// AuthMiddleware validates the bearer token and sets user_id and username in
// the Gin context. Browsers cannot set headers on a websocket handshake, so
// the token is also accepted as the access_token query parameter.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if errors.Is(err, jwt.ErrTokenExpired) {
			response.FromError(c, apperrors.ExpiredTokenError())
			c.Abort()
			return
		}
		if err != nil {
			response.FromError(c, apperrors.InvalidTokenError("Invalid token"))
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("access_token"); token != "" {
		return token, true
	}
	return "", false
}
