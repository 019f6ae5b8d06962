package middleware

import (
	"github.com/gin-gonic/gin"
)

// GinPrincipalKey is the gin context key holding the *Principal of an allowed request.
const GinPrincipalKey = "authgate.principal"

// Gin returns the gate as gin middleware. Without a ClientIPFunc the client address
// comes from gin's ClientIP, which honours the engine's trusted proxy settings.
func (g *Gate) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.Evaluate(c.Request.Context(), g.httpRequest(c.Request, c.ClientIP()))
		for k, v := range d.Headers() {
			c.Header(k, v)
		}
		if !d.Allowed {
			c.AbortWithStatusJSON(d.Status, gin.H{"error": d.Code})
			return
		}

		c.Set(GinPrincipalKey, d.Principal)
		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), d.Principal))
		c.Next()
	}
}

// GinPrincipal returns the principal stored by [Gate.Gin].
func GinPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(GinPrincipalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
