package auth

import (
	"net/http"
	"strings"
	"time"

	"callrelay/internal/calls"
	"callrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireAccessToken verifies an access token and injects the caller identity
// into the request context. It does not resolve roles; see rbac.LoadRole.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tok := strings.TrimPrefix(raw, bearerPrefix)

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := calls.Identity(claims.Subject)
		l := logger.FromGin(c).With("identity", id.String())
		ctx := WithIdentity(c.Request.Context(), id)
		ctx = logger.With(ctx, l)
		c.Request = c.Request.WithContext(ctx)
		c.Set("identity", id)
		c.Set("logger", l)

		c.Next()
	}
}
