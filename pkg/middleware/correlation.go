// Package middleware предоставляет общие Gin middleware HTTP сервисов:
// сквозные идентификаторы запроса, логирование и обработку паник.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/delivery-platform/pkg/logger"
)

// HTTP заголовки сквозной трассировки.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

// Correlation извлекает X-Correlation-ID и X-Request-ID из запроса
// (генерирует отсутствующие), кладёт их в контекст и возвращает клиенту
// в заголовках ответа. Correlation ID связывает весь логический запрос
// через все сервисы; Request ID уникален для каждого HTTP запроса.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logger.NewContextWithIDs(c.Request.Context(), correlationID, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Header(HeaderCorrelationID, correlationID)
		c.Header(HeaderRequestID, requestID)

		c.Set("correlation_id", correlationID)
		c.Set("request_id", requestID)

		c.Next()
	}
}
