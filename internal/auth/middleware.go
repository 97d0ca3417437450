package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	claimsKey  = "claims"
	accountKey = "account"
)

// OperatorAuth enforces bearer JWT tokens signed with HS256 and exposes the
// token's account to later handlers.
func OperatorAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != RoleOperator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator role required"})
			return
		}
		c.Set(claimsKey, claims)
		c.Set(accountKey, claims.Subject)
		c.Next()
	}
}

// Account returns the authenticated operator account, or "" outside
// OperatorAuth.
func Account(c *gin.Context) string {
	return c.GetString(accountKey)
}
