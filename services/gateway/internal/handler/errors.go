// Package handler содержит HTTP обработчики API Gateway.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/services/gateway/internal/proxy"
)

// gatewayName — значение поля gateway в error envelope.
const gatewayName = "delivery-gateway"

// circuitRetryAfterSeconds — рекомендация клиенту при открытом breaker'е.
const circuitRetryAfterSeconds = 60

// RetryInfo — рекомендации по повтору запроса.
type RetryInfo struct {
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// ErrorEnvelope — формат всех не-2xx ответов gateway.
type ErrorEnvelope struct {
	StatusCode    int       `json:"statusCode"`
	Error         string    `json:"error"`
	Message       string    `json:"message"`
	Details       string    `json:"details,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Path          string    `json:"path"`
	Method        string    `json:"method"`
	CorrelationID string    `json:"correlationId"`
	Gateway       string    `json:"gateway"`
	Retry         RetryInfo `json:"retry"`
}

// writeError отправляет error envelope с контекстом запроса.
func writeError(c *gin.Context, status int, code, message string, retry RetryInfo) {
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		StatusCode:    status,
		Error:         code,
		Message:       message,
		Timestamp:     time.Now().UTC(),
		Path:          c.Request.URL.Path,
		Method:        c.Request.Method,
		CorrelationID: logger.CorrelationIDFromContext(c.Request.Context()),
		Gateway:       gatewayName,
		Retry:         retry,
	})
}

// handleProxyError отображает класс ошибки проксирования на HTTP статус
// и error envelope согласно таксономии ошибок gateway.
func handleProxyError(c *gin.Context, err error) {
	log := logger.FromContext(c.Request.Context())

	var perr *proxy.Error
	if !errors.As(err, &perr) {
		log.Error().Err(err).Msg("Внутренняя ошибка проксирования")
		writeError(c, http.StatusInternalServerError, "internal_error",
			"Внутренняя ошибка сервера", RetryInfo{})
		return
	}

	switch perr.Class {
	case proxy.ClassCircuitOpen:
		writeError(c, http.StatusServiceUnavailable, "circuit_open",
			"Сервис временно недоступен, попробуйте позже", RetryInfo{
				Retryable:         true,
				RetryAfterSeconds: circuitRetryAfterSeconds,
				Reason:            perr.Class,
			})
	case proxy.ClassTimeout:
		writeError(c, http.StatusGatewayTimeout, "upstream_timeout",
			"Превышено время ожидания ответа сервиса", RetryInfo{
				Retryable: true,
				Reason:    perr.Class,
			})
	case proxy.ClassNetwork:
		writeError(c, http.StatusServiceUnavailable, "upstream_unreachable",
			"Сервис недоступен", RetryInfo{
				Retryable: true,
				Reason:    perr.Class,
			})
	case proxy.ClassUpstream5xx:
		status := http.StatusBadGateway
		if perr.StatusCode == http.StatusServiceUnavailable {
			status = http.StatusServiceUnavailable
		}
		writeError(c, status, "upstream_error",
			"Сервис сообщил об ошибке", RetryInfo{
				Retryable: true,
				Reason:    perr.Class,
			})
	default:
		log.Error().Err(err).Str("class", perr.Class).Msg("Неклассифицированная ошибка проксирования")
		writeError(c, http.StatusInternalServerError, "internal_error",
			"Внутренняя ошибка сервера", RetryInfo{})
	}
}
