package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"cnc-monitor-backend/config"
	"cnc-monitor-backend/internal/metrics"
	"cnc-monitor-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(d Deps, cfg config.ServerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	handler := NewHandler(d)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	history := mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)
	handler.history = history

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if d.Live != nil {
		r.GET("/ws", gin.WrapF(d.Live.ServeWS))
	}

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/machines", handler.ListMachines)
		api.GET("/machines/:name", handler.GetMachine)
		api.PUT("/machines/:name/variant", handler.SetVariant)
		api.GET("/machines/:name/transitions", history.Handler(), handler.ListTransitions)
		api.PATCH("/transitions/:id/note", handler.SetTransitionNote)

		api.GET("/machines/:name/files", handler.ListFiles)
		api.DELETE("/machines/:name/files/:file", handler.DeleteFile)
		api.POST("/machines/:name/dispatch", handler.Dispatch)

		api.GET("/views/:kind", handler.GetView)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
