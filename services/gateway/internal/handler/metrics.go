package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/metrics"
)

// metricsJSON — GET /metrics: JSON snapshot собранных метрик.
func metricsJSON(c *gin.Context) {
	snapshot, err := metrics.Snapshot()
	if err != nil {
		logger.FromContext(c.Request.Context()).Error().Err(err).Msg("Ошибка снятия snapshot метрик")
		writeError(c, http.StatusInternalServerError, "internal_error",
			"Не удалось собрать метрики", RetryInfo{})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// metricsPrometheus — GET /metrics/prometheus: текстовый формат Prometheus.
func metricsPrometheus() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
