package wallet

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireWallet validates the bearer token and sets "wallet" in the gin
// context and the request context.
func RequireWallet(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")

		addr, err := s.ParseToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set("wallet", addr)
		c.Request = c.Request.WithContext(WithAddress(c.Request.Context(), addr))
		c.Next()
	}
}
