package rbac

import (
	"context"
	"net/http"

	"callrelay/internal/auth"
	"callrelay/internal/calls"
	"callrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RoleResolver looks up the current role of an identity.
// Unknown identities resolve to RoleGuest.
type RoleResolver interface {
	Role(ctx context.Context, id calls.Identity) (string, error)
}

// LoadRole resolves the caller's role from the directory and stores it in the
// request context. Roles are not carried in tokens so that role changes take
// effect on the next request.
func LoadRole(resolver RoleResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.Identity(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
			return
		}
		role, err := resolver.Role(c.Request.Context(), id)
		if err != nil {
			logger.FromGin(c).Error("role lookup failed", "identity", id, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "role lookup failed"})
			return
		}
		c.Request = c.Request.WithContext(auth.WithRole(c.Request.Context(), role))
		c.Set("role", role)
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Admin passes every check.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": calls.CodeForbidden})
			return
		}
		c.Next()
	}
}
