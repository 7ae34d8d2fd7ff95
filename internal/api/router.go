package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"hostel-allocation-backend/config"
	"hostel-allocation-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg *config.ServerConfig, handler *Handler) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(cfg))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cacheStore := cache.New(ttl, 2*ttl)
	handler.responses = cacheStore
	// Attached to writes as well so that they drop the tenant's cached reads.
	caching := mw.Cache(cacheStore, ttl)

	api := r.Group("/api")
	api.Use(rateLimiter, mw.Tenant(cfg.TenantHeader))
	{
		api.GET("/hostels", caching, handler.ListHostels)
		api.POST("/hostels", caching, handler.CreateHostel)
		api.GET("/hostels/:hostel_id/rooms", caching, handler.ListRooms)
		api.POST("/hostels/:hostel_id/rooms", caching, handler.CreateRoom)
		api.GET("/rooms/:room_id", caching, handler.GetRoom)
		api.PATCH("/rooms/:room_id", caching, handler.PatchRoom)

		api.GET("/allocations", handler.ListAllocations)
		api.POST("/allocations", caching, handler.CreateAllocation)
		api.GET("/allocations/:allocation_id", handler.GetAllocation)
		api.POST("/allocations/:allocation_id/vacate", caching, handler.VacateAllocation)

		api.GET("/ledger/drift", handler.GetDrift)
		api.GET("/ledger/events", handler.ListLedgerEvents)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}

func corsMiddleware(cfg *config.ServerConfig) gin.HandlerFunc {
	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	corsCfg.AddAllowHeaders(cfg.TenantHeader)
	return cors.New(corsCfg)
}
