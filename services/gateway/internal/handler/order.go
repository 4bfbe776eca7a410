package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/services/gateway/internal/proxy"
)

// OrderProxyHandler проксирует запросы заказов к orchestration-сервису.
// Gateway не знает доменной модели заказа: тело и статус ответа
// пробрасываются как есть, добавляется только отказоустойчивость роутера.
type OrderProxyHandler struct {
	router   *proxy.Router
	service  string        // Логическое имя order-сервиса в discovery
	cacheTTL time.Duration // TTL кеширования GET /orders/{id}
}

// NewOrderProxyHandler создаёт обработчик заказов.
func NewOrderProxyHandler(router *proxy.Router, service string, cacheTTL time.Duration) *OrderProxyHandler {
	return &OrderProxyHandler{
		router:   router,
		service:  service,
		cacheTTL: cacheTTL,
	}
}

// CreateOrder — POST /api/v1/orders.
func (h *OrderProxyHandler) CreateOrder(c *gin.Context) {
	h.forward(c, "/api/v1/orders", 0)
}

// ListOrders — GET /api/v1/orders?customerId=...
func (h *OrderProxyHandler) ListOrders(c *gin.Context) {
	h.forward(c, "/api/v1/orders", 0)
}

// GetOrder — GET /api/v1/orders/{id}. Единственный кешируемый маршрут.
func (h *OrderProxyHandler) GetOrder(c *gin.Context) {
	h.forward(c, "/api/v1/orders/"+c.Param("id"), h.cacheTTL)
}

// GetOrderStatus — GET /api/v1/orders/{id}/status.
// Статус меняется по ходу саги, поэтому не кешируется.
func (h *OrderProxyHandler) GetOrderStatus(c *gin.Context) {
	h.forward(c, "/api/v1/orders/"+c.Param("id")+"/status", 0)
}

// UpdateOrder — PUT /api/v1/orders/{id}.
func (h *OrderProxyHandler) UpdateOrder(c *gin.Context) {
	h.forward(c, "/api/v1/orders/"+c.Param("id"), 0)
}

// CancelOrder — POST /api/v1/orders/{id}/cancel.
func (h *OrderProxyHandler) CancelOrder(c *gin.Context) {
	h.forward(c, "/api/v1/orders/"+c.Param("id")+"/cancel", 0)
}

// ListOrderEvents — GET /api/v1/orders/{id}/events.
func (h *OrderProxyHandler) ListOrderEvents(c *gin.Context) {
	h.forward(c, "/api/v1/orders/"+c.Param("id")+"/events", 0)
}

// ListFailedSagas — GET /api/v1/sagas/failed (мониторинг карантина).
func (h *OrderProxyHandler) ListFailedSagas(c *gin.Context) {
	h.forward(c, "/api/v1/sagas/failed", 0)
}

// forward выполняет проксирование и пробрасывает ответ upstream клиенту.
func (h *OrderProxyHandler) forward(c *gin.Context, path string, cacheTTL time.Duration) {
	ctx := c.Request.Context()

	var body []byte
	if c.Request.Body != nil {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.FromContext(ctx).Warn().Err(err).Msg("Ошибка чтения тела запроса")
			writeError(c, http.StatusBadRequest, "invalid_body",
				"Не удалось прочитать тело запроса", RetryInfo{})
			return
		}
		body = data
	}

	if query := c.Request.URL.RawQuery; query != "" {
		path += "?" + query
	}

	resp, err := h.router.Proxy(ctx, &proxy.Request{
		Method:   c.Request.Method,
		Service:  h.service,
		Path:     path,
		Body:     body,
		Header:   c.Request.Header,
		CacheTTL: cacheTTL,
	})
	if err != nil {
		handleProxyError(c, err)
		return
	}

	if resp.FromCache {
		c.Header("X-From-Cache", "true")
	}
	if resp.Degraded {
		c.Header("X-Degraded", "true")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}
