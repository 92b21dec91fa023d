package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2ptrade/internal/logging"
)

// ContextKeyActor is the gin context key holding the resolved Actor.
const ContextKeyActor = "authActor"

// Middleware reads the forwarded identity headers and stores the Actor in the
// gin context. Requests without X-User-ID pass through unauthenticated.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			c.Next()
			return
		}

		role, err := ParseRole(c.GetHeader(HeaderUserRole))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_role",
				"message": "X-User-Role must be 'user' or 'admin'",
			})
			return
		}

		actor := Actor{ID: id, Role: role}
		c.Set(ContextKeyActor, actor)
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), id))
		c.Next()
	}
}

// RequireAuth rejects requests without a resolved actor.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin requires an admin actor and, when secret is non-empty, a
// matching X-Admin-Secret header.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required.",
			})
			return
		}
		if !actor.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		if secret != "" {
			given := c.GetHeader(HeaderAdminSecret)
			if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Invalid admin secret.",
				})
				return
			}
		}
		c.Next()
	}
}

// GetActor returns the actor from context (if authenticated)
func GetActor(c *gin.Context) (Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return Actor{}, false
	}
	a, ok := v.(Actor)
	return a, ok
}

// ActorID returns the authenticated user's ID or "".
func ActorID(c *gin.Context) string {
	a, _ := GetActor(c)
	return a.ID
}
