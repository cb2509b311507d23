package auth

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeguard/internal/logging"
)

const (
	HeaderActorID       = "X-Actor-ID"
	HeaderActorRole     = "X-Actor-Role"
	HeaderActorVerified = "X-Actor-Verified"

	// ContextKeyActor is the gin context key holding the Actor.
	ContextKeyActor = "actor"
)

// Middleware reads the gateway identity headers. Requests without an
// actor id pass through unauthenticated; malformed identities are rejected.
// The system role can only be used in-process, never over HTTP.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if id == "" {
			c.Next()
			return
		}
		role := Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))))
		if role == "" {
			role = RoleUser
		}
		verified, _ := strconv.ParseBool(c.GetHeader(HeaderActorVerified))
		actor := Actor{ID: id, Role: role, Verified: verified}

		if err := actor.Validate(); err != nil || actor.IsSystem() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_actor",
				"message": "Unrecognised actor role",
			})
			return
		}

		ctx := WithActor(c.Request.Context(), actor)
		ctx = logging.WithActor(ctx, actor.ID, string(actor.Role))
		c.Request = c.Request.WithContext(ctx)
		c.Set(ContextKeyActor, actor)
		c.Next()
	}
}

// RequireAuth rejects requests without an actor.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID header required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects non-admin actors.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID header required.",
			})
			return
		}
		if !a.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the actor set by Middleware.
func GetActor(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return Actor{}, false
	}
	a, ok := v.(Actor)
	return a, ok
}
