package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ContextOperatorKey = "operator"
	contextClaimsKey   = "auth_claims"
)

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextOperatorKey, claims.Subject)
		c.Set(contextClaimsKey, claims)
		c.Next()
	}
}

// RequireRole must run after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		val, _ := c.Get(contextClaimsKey)
		claims, ok := val.(*Claims)
		if !ok || !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "missing role " + role})
			return
		}
		c.Next()
	}
}

func OperatorFrom(c *gin.Context) string {
	return c.GetString(ContextOperatorKey)
}
