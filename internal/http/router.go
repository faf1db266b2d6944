package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/config"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http/handler"
	httpmiddleware "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http/middleware"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/metrics"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, h *handler.GatewayHandler, admin *httpmiddleware.Admin, rateLimiter *middleware.RateLimiter, m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", h.Healthz)
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	oauth := r.Group("/oauth/:provider")
	{
		oauth.GET("/authorize", admin.RequireKey, h.Authorize)
		oauth.GET("/callback", h.Callback)
		oauth.POST("/exchange", admin.RequireKey, h.Exchange)
		oauth.GET("/status", admin.RequireKey, h.Status)
		oauth.POST("/reauth", admin.RequireKey, h.Reauth)
	}

	adminGroup := r.Group("/admin", admin.RequireKey)
	{
		adminGroup.DELETE("/cache", h.InvalidateCache)
		adminGroup.POST("/cleanup", h.TriggerCleanup)
	}

	r.Any("/api/*path", admin.RequireKey, h.ProxyRequest)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}
