package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/delivery-platform/pkg/metrics"
	pkgmw "example.com/delivery-platform/pkg/middleware"
	"example.com/delivery-platform/services/gateway/internal/middleware"
)

// ReadinessCheck — функция проверки готовности зависимостей gateway.
type ReadinessCheck func(ctx context.Context) error

// RouterConfig — параметры сборки роутера gateway.
type RouterConfig struct {
	Orders         *OrderProxyHandler
	AuthMW         *middleware.AuthMiddleware       // nil → auth отключён
	RateLimitMW    *middleware.RateLimitMiddleware  // nil → rate limiting отключён
	CORS           middleware.CORSConfig
	ReadinessCheck ReadinessCheck
	TracingEnabled bool
	Debug          bool
}

// NewRouter создаёт и настраивает HTTP роутер gateway.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(pkgmw.Recovery())
	engine.Use(pkgmw.Correlation())
	engine.Use(pkgmw.RequestLogging("gateway"))
	engine.Use(metrics.GinMetricsMiddleware("gateway"))
	engine.Use(middleware.SecurityHeaders())
	engine.Use(middleware.CORS(cfg.CORS))
	if cfg.TracingEnabled {
		engine.Use(otelgin.Middleware("gateway"))
	}
	if cfg.RateLimitMW != nil {
		engine.Use(cfg.RateLimitMW.Handle())
	}

	// Health и метрики живут вне auth
	engine.GET("/health", healthHandler)
	engine.GET("/health/live", healthHandler)
	engine.GET("/health/ready", readinessHandler(cfg.ReadinessCheck))
	engine.GET("/metrics", metricsJSON)
	engine.GET("/metrics/prometheus", metricsPrometheus())

	api := engine.Group("/api/v1")
	if cfg.AuthMW != nil {
		api.Use(cfg.AuthMW.Handle())
	}
	{
		api.POST("/orders", cfg.Orders.CreateOrder)
		api.GET("/orders", cfg.Orders.ListOrders)
		api.GET("/orders/:id", cfg.Orders.GetOrder)
		api.GET("/orders/:id/status", cfg.Orders.GetOrderStatus)
		api.PUT("/orders/:id", cfg.Orders.UpdateOrder)
		api.POST("/orders/:id/cancel", cfg.Orders.CancelOrder)
		api.GET("/orders/:id/events", cfg.Orders.ListOrderEvents)
		api.GET("/sagas/failed", cfg.Orders.ListFailedSagas)
	}

	return engine
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func readinessHandler(check ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()

			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
