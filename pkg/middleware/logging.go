package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"example.com/delivery-platform/pkg/logger"
)

// RequestLogging логирует каждый HTTP запрос: метод, путь, статус,
// длительность. Ошибки (>=500) логируются уровнем Error, клиентские
// (4xx) — Warn, остальное — Info.
func RequestLogging(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log := logger.FromContext(c.Request.Context())
		event := log.Info()
		switch {
		case c.Writer.Status() >= 500:
			event = log.Error()
		case c.Writer.Status() >= 400:
			event = log.Warn()
		}

		event.
			Str("service", service).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP запрос")
	}
}
