package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const tenantKey = "tenant_id"

// Tenant reads the tenant id resolved upstream from the given header and
// stores it on the context. Requests without one are rejected.
func Tenant(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(header))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing " + header + " header"})
			return
		}
		c.Set(tenantKey, id)
		c.Next()
	}
}

// TenantID returns the tenant stored by Tenant.
func TenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}
