package router

import (
	"context"
	"net/http"
	"time"

	"notiflow/internal/common"
	"notiflow/internal/config"
	"notiflow/internal/domain/notification"
	"notiflow/internal/middleware"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether the service's dependencies are reachable.
type HealthCheck func(ctx context.Context) error

// New creates and configures the Gin router with all middleware and routes.
// stream may be nil when the in-app websocket is not served.
func New(
	cfg *config.Config,
	notificationHandler *notification.Handler,
	stream gin.HandlerFunc,
	health HealthCheck,
) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()

	// Global middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())
	r.Use(middleware.CORS(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.Burst,
	)

	r.GET("/health", healthHandler(health))

	api := r.Group("/api/v1")

	// Provider callbacks authenticate by signature, not API key.
	notificationHandler.RegisterWebhookRoutes(api)

	protected := api.Group("")
	protected.Use(rateLimiter.Middleware(), middleware.Auth(cfg.Auth.APIKeys))
	{
		notificationHandler.RegisterRoutes(protected)
		if stream != nil {
			protected.GET("/stream", stream)
		}
	}

	return r
}

// healthHandler handles GET /health
func healthHandler(check HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				common.Error(c, http.StatusServiceUnavailable, "unhealthy: "+err.Error())
				return
			}
		}
		common.Success(c, http.StatusOK, gin.H{
			"status":  "ok",
			"service": "notiflow",
		})
	}
}
