package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authgate"
)

func newGinRouter(g *Gate) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(g.Gin())
	r.GET("/me", func(c *gin.Context) {
		p, ok := GinPrincipal(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		fromCtx, ok := PrincipalFromContext(c.Request.Context())
		if !ok || fromCtx != p {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, p.Identity)
	})
	return r
}

func TestGinAllowsBearerToken(t *testing.T) {
	engine, _ := newGateEngine(t, gateConfig())
	r := newGinRouter(newTestGate(t, engine, GateOptions{Operation: "api"}))
	tok := issueAccess(t, engine, "alice")

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user:alice", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get(HeaderRemaining))
}

func TestGinRejects(t *testing.T) {
	engine, _ := newGateEngine(t, gateConfig())
	r := newGinRouter(newTestGate(t, engine, GateOptions{Operation: "api", AllowAnonymous: true}))

	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
		return rec
	}

	rec := send()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ip:192.0.2.1", rec.Body.String())
	require.Equal(t, http.StatusOK, send().Code)

	rec = send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, authgate.CodeRateLimited, errorBody(t, rec))
	assert.Equal(t, "60", rec.Header().Get(HeaderRetryAfter))
}

func TestGinRejectsInvalidToken(t *testing.T) {
	engine, _ := newGateEngine(t, gateConfig())
	r := newGinRouter(newTestGate(t, engine, GateOptions{Operation: "api"}))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Token abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authgate.CodeInvalid, errorBody(t, rec))
}
