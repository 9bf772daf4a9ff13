package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	TenantHeader = "X-Tenant-ID"
	tenantKey    = "tenant_id"
)

// Tenant rejects requests without a tenant header and stores the tenant
// for TenantID.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := strings.TrimSpace(c.GetHeader(TenantHeader))
		if tenant == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": TenantHeader + " header is required"})
			return
		}
		c.Set(tenantKey, tenant)
		c.Next()
	}
}

// TenantID returns the tenant set by Tenant.
func TenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}
