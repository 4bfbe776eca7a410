package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/delivery-platform/pkg/metrics"
	"example.com/delivery-platform/pkg/middleware"
)

// ReadinessCheck — составная проверка готовности (MySQL, шина событий).
type ReadinessCheck func(ctx context.Context) error

// NewRouter собирает Gin engine сервиса оркестрации.
func NewRouter(orders *OrderHandler, ready ReadinessCheck, tracingEnabled bool) *gin.Engine {
	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Correlation())
	r.Use(middleware.RequestLogging("orchestration"))
	r.Use(metrics.GinMetricsMiddleware("orchestration"))
	if tracingEnabled {
		r.Use(otelgin.Middleware("orchestration"))
	}

	// Liveness — процесс жив; readiness — зависимости доступны
	r.GET("/health", healthHandler)
	r.GET("/health/live", healthHandler)
	r.GET("/health/ready", readinessHandler(ready))

	api := r.Group("/api/v1")
	{
		api.POST("/orders", orders.CreateOrder)
		api.GET("/orders", orders.ListOrders)
		api.GET("/orders/:id", orders.GetOrder)
		api.GET("/orders/:id/status", orders.GetOrderStatus)
		api.PUT("/orders/:id", orders.UpdateOrder)
		api.POST("/orders/:id/cancel", orders.CancelOrder)
		api.GET("/orders/:id/events", orders.ListOrderEvents)
		api.GET("/sagas/failed", orders.ListFailedSagas)
	}

	return r
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func readinessHandler(ready ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil {
			if err := ready(c.Request.Context()); err != nil {
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
