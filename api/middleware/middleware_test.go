package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newEngine(rl *KeyRateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Middleware(), Tenant())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, TenantID(c)) })
	return r
}

func get(r http.Handler, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitIsPerTenant(t *testing.T) {
	rl := NewKeyRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 2, CleanupInterval: time.Minute})
	defer rl.Stop()
	r := newEngine(rl)

	assert.Equal(t, http.StatusOK, get(r, "t1").Code)
	assert.Equal(t, http.StatusOK, get(r, "t1").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "t1").Code)

	w := get(r, "t2")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t2", w.Body.String())
}

func TestTenantHeaderRequired(t *testing.T) {
	rl := NewKeyRateLimiter(RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 100})
	defer rl.Stop()

	assert.Equal(t, http.StatusBadRequest, get(newEngine(rl), "").Code)
}
