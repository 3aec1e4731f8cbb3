package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResultKey holds the *Result of an authenticated request in the gin context.
const ResultKey = "auth_result"

// GinAuth rejects unauthenticated requests with 401. It is a no-op when the
// service is disabled.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}
		res, err := s.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="gridvisor"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// RequireRole must run after GinAuth; it answers 403 unless the caller holds
// one of roles.
func (s *Service) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}
		v, _ := c.Get(ResultKey)
		res, _ := v.(*Result)
		if !res.HasRole(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

// FromContext returns the caller stored by GinAuth, or nil.
func FromContext(c *gin.Context) *Result {
	v, _ := c.Get(ResultKey)
	res, _ := v.(*Result)
	return res
}
