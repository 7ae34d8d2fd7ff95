package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Cache keeps successful GET responses per tenant and URI. Any write by a
// tenant drops that tenant's cached responses, whatever its status, since a
// failed write may still have changed something.
func Cache(store *cache.Cache, duration time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := TenantID(c)

		if c.Request.Method != http.MethodGet {
			c.Next()
			InvalidateTenant(store, tenantID)
			return
		}

		key := tenantPrefix(tenantID) + c.Request.RequestURI
		if resp, found := store.Get(key); found {
			cached := resp.(cachedResponse)
			for k, v := range cached.headers {
				c.Writer.Header()[k] = v
			}
			c.Writer.Header().Set("X-Cache", "HIT")
			c.Writer.WriteHeader(cached.status)
			_, _ = c.Writer.Write(cached.body)
			c.Abort()
			return
		}

		blw := &bodyCacheWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if blw.Status() >= 200 && blw.Status() < 300 {
			store.Set(key, cachedResponse{
				status:  blw.Status(),
				headers: blw.Header().Clone(),
				body:    blw.body.Bytes(),
			}, duration)
		}
	}
}

// InvalidateTenant drops every cached response of one tenant.
func InvalidateTenant(store *cache.Cache, tenantID string) {
	Invalidate(store, tenantPrefix(tenantID))
}

func tenantPrefix(tenantID string) string {
	return tenantID + "|"
}

// Invalidate drops every cached response whose key starts with prefix.
func Invalidate(store *cache.Cache, prefix string) {
	for key := range store.Items() {
		if strings.HasPrefix(key, prefix) {
			store.Delete(key)
		}
	}
}
