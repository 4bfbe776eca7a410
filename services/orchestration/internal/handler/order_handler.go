// Package handler содержит внутренний HTTP API сервиса оркестрации.
// Его потребитель — gateway; маршруты зеркалируют внешние /api/v1/orders.
package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/services/orchestration/internal/clients"
	"example.com/delivery-platform/services/orchestration/internal/domain"
	"example.com/delivery-platform/services/orchestration/internal/saga"
	"example.com/delivery-platform/services/orchestration/internal/service"
)

// OrderHandler — обработчик заказов.
type OrderHandler struct {
	orders service.OrderService
}

// NewOrderHandler создаёт обработчик заказов.
func NewOrderHandler(orders service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// =============================================================================
// Request/Response DTO
// =============================================================================

// Денежные суммы в DTO — десятичные (15.00); внутри — центы (int64).

// LocationRequest — координаты и адрес доставки.
type LocationRequest struct {
	Lat        float64 `json:"lat" binding:"required"`
	Lng        float64 `json:"lng" binding:"required"`
	Address    string  `json:"address" binding:"required"`
	City       string  `json:"city"`
	PostalCode string  `json:"postalCode"`
}

// CoordinatesRequest — голые координаты (точка забора).
type CoordinatesRequest struct {
	Lat float64 `json:"lat" binding:"required"`
	Lng float64 `json:"lng" binding:"required"`
}

// ItemRequest — позиция заказа в запросе.
type ItemRequest struct {
	ItemID    string  `json:"itemId" binding:"required"`
	Name      string  `json:"name" binding:"required"`
	Quantity  int32   `json:"quantity" binding:"required,min=1"`
	UnitPrice float64 `json:"unitPrice" binding:"required,gt=0"`
	Notes     string  `json:"notes"`
}

// CreateOrderRequest — запрос создания заказа.
type CreateOrderRequest struct {
	CustomerID       string              `json:"customerId" binding:"required"`
	RestaurantID     string              `json:"restaurantId" binding:"required"`
	Items            []ItemRequest       `json:"items" binding:"required,min=1,dive"`
	DeliveryLocation LocationRequest     `json:"deliveryLocation" binding:"required"`
	Priority         string              `json:"priority"`
	PickupLocation   *CoordinatesRequest `json:"pickupLocation"`
}

// UpdateOrderRequest — запрос обновления заказа.
// Version — ожидаемая версия для оптимистичной блокировки.
type UpdateOrderRequest struct {
	Items            []ItemRequest    `json:"items" binding:"omitempty,min=1,dive"`
	DeliveryLocation *LocationRequest `json:"deliveryLocation"`
	Priority         *string          `json:"priority"`
	Version          int64            `json:"version" binding:"required,min=1"`
}

// CancelOrderRequest — запрос отмены заказа.
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// ItemResponse — позиция заказа в ответе.
type ItemResponse struct {
	ItemID    string  `json:"itemId"`
	Name      string  `json:"name"`
	Quantity  int32   `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	Total     float64 `json:"total"`
	Notes     string  `json:"notes,omitempty"`
}

// LocationResponse — адрес доставки в ответе.
type LocationResponse struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Address    string  `json:"address"`
	City       string  `json:"city,omitempty"`
	PostalCode string  `json:"postalCode,omitempty"`
}

// OrderResponse — заказ в ответе.
type OrderResponse struct {
	ID                string           `json:"id"`
	CustomerID        string           `json:"customerId"`
	RestaurantID      string           `json:"restaurantId"`
	Items             []ItemResponse   `json:"items"`
	DeliveryLocation  LocationResponse `json:"deliveryLocation"`
	Subtotal          float64          `json:"subtotal"`
	Tax               float64          `json:"tax"`
	DeliveryFee       float64          `json:"deliveryFee"`
	Total             float64          `json:"total"`
	Status            string           `json:"status"`
	Priority          string           `json:"priority"`
	TrackingCode      *string          `json:"trackingCode,omitempty"`
	EstimatedDelivery *time.Time       `json:"estimatedDelivery,omitempty"`
	AssignedDriverID  *string          `json:"assignedDriverId,omitempty"`
	FailureReason     *string          `json:"failureReason,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// OrderStatusResponse — краткий статус заказа.
type OrderStatusResponse struct {
	OrderID           string     `json:"orderId"`
	Status            string     `json:"status"`
	TrackingCode      *string    `json:"trackingCode,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	AssignedDriverID  *string    `json:"assignedDriverId,omitempty"`
	FailureReason     *string    `json:"failureReason,omitempty"`
	SagaStatus        *string    `json:"sagaStatus,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// EventResponse — outbox-событие заказа.
type EventResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// SagaResponse — сага в ответе мониторинга.
type SagaResponse struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	AggregateID   string     `json:"aggregateId"`
	Status        string     `json:"status"`
	CurrentStep   int        `json:"currentStep"`
	TotalSteps    int        `json:"totalSteps"`
	FailureReason *string    `json:"failureReason,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
}

// =============================================================================
// Обработчики
// =============================================================================

// CreateOrder создаёт заказ. POST /api/v1/orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	params := service.CreateOrderParams{
		CustomerID:   req.CustomerID,
		RestaurantID: req.RestaurantID,
		Items:        itemsToParams(req.Items),
		DeliveryLocation: domain.DeliveryLocation{
			Latitude:   req.DeliveryLocation.Lat,
			Longitude:  req.DeliveryLocation.Lng,
			Address:    req.DeliveryLocation.Address,
			City:       req.DeliveryLocation.City,
			PostalCode: req.DeliveryLocation.PostalCode,
		},
		Priority: domain.OrderPriority(req.Priority),
	}
	if req.PickupLocation != nil {
		params.PickupLocation = &clients.Coordinates{
			Lat: req.PickupLocation.Lat,
			Lng: req.PickupLocation.Lng,
		}
	}

	order, err := h.orders.CreateOrder(ctx, params)
	if err != nil {
		handleDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, orderToResponse(order))
}

// GetOrder возвращает заказ. GET /api/v1/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderToResponse(order))
}

// GetOrderStatus возвращает краткий статус. GET /api/v1/orders/:id/status
func (h *OrderHandler) GetOrderStatus(c *gin.Context) {
	info, err := h.orders.GetOrderStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleDomainError(c, err)
		return
	}

	resp := OrderStatusResponse{
		OrderID:           info.OrderID,
		Status:            string(info.Status),
		TrackingCode:      info.TrackingCode,
		EstimatedDelivery: info.EstimatedDelivery,
		AssignedDriverID:  info.AssignedDriverID,
		FailureReason:     info.FailureReason,
		UpdatedAt:         info.UpdatedAt,
	}
	if info.SagaStatus != nil {
		s := string(*info.SagaStatus)
		resp.SagaStatus = &s
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateOrder обновляет заказ. PUT /api/v1/orders/:id
func (h *OrderHandler) UpdateOrder(c *gin.Context) {
	var req UpdateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	params := service.UpdateOrderParams{
		Items:   itemsToParams(req.Items),
		Version: req.Version,
	}
	if req.DeliveryLocation != nil {
		params.DeliveryLocation = &domain.DeliveryLocation{
			Latitude:   req.DeliveryLocation.Lat,
			Longitude:  req.DeliveryLocation.Lng,
			Address:    req.DeliveryLocation.Address,
			City:       req.DeliveryLocation.City,
			PostalCode: req.DeliveryLocation.PostalCode,
		}
	}
	if req.Priority != nil {
		p := domain.OrderPriority(*req.Priority)
		params.Priority = &p
	}

	order, err := h.orders.UpdateOrder(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		handleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderToResponse(order))
}

// CancelOrder отменяет заказ. POST /api/v1/orders/:id/cancel
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	var req CancelOrderRequest
	// Body опционален
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "отменён клиентом"
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		handleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderToResponse(order))
}

// ListOrderEvents возвращает историю событий заказа. GET /api/v1/orders/:id/events
func (h *OrderHandler) ListOrderEvents(c *gin.Context) {
	events, err := h.orders.ListOrderEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleDomainError(c, err)
		return
	}

	resp := make([]EventResponse, len(events))
	for i, e := range events {
		resp[i] = EventResponse{
			ID:          e.ID,
			Type:        string(e.Type),
			Payload:     e.Payload,
			Processed:   e.Processed,
			ProcessedAt: e.ProcessedAt,
			CreatedAt:   e.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": resp})
}

// ListOrders возвращает заказы клиента. GET /api/v1/orders?customerId=...
func (h *OrderHandler) ListOrders(c *gin.Context) {
	customerID := c.Query("customerId")
	if customerID == "" {
		badRequest(c, errors.New("параметр customerId обязателен"))
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	orders, total, err := h.orders.ListOrders(c.Request.Context(), customerID, offset, limit)
	if err != nil {
		handleDomainError(c, err)
		return
	}

	resp := make([]OrderResponse, len(orders))
	for i, o := range orders {
		resp[i] = orderToResponse(o)
	}
	c.JSON(http.StatusOK, gin.H{"orders": resp, "total": total})
}

// ListFailedSagas возвращает саги на карантине. GET /api/v1/sagas/failed
func (h *OrderHandler) ListFailedSagas(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	sagas, err := h.orders.ListFailedSagas(c.Request.Context(), limit)
	if err != nil {
		handleDomainError(c, err)
		return
	}

	resp := make([]SagaResponse, len(sagas))
	for i, s := range sagas {
		resp[i] = SagaResponse{
			ID:            s.ID,
			Type:          s.Type,
			AggregateID:   s.AggregateID,
			Status:        string(s.Status),
			CurrentStep:   s.CurrentStep,
			TotalSteps:    s.TotalSteps,
			FailureReason: s.FailureReason,
			StartedAt:     s.StartedAt,
			FailedAt:      s.FailedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"sagas": resp})
}

// =============================================================================
// Маппинг ошибок и конвертации
// =============================================================================

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": err.Error(),
	})
}

// handleDomainError переводит доменные ошибки в HTTP статусы:
// валидация → 400, не найдено → 404, конфликт состояния/версии → 409.
func handleDomainError(c *gin.Context, err error) {
	log := logger.FromContext(c.Request.Context())

	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, saga.ErrSagaNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})

	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrOrderCannotCancel),
		errors.Is(err, domain.ErrOrderNotEditable),
		errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, saga.ErrSagaTerminal),
		errors.Is(err, clients.ErrDownstreamConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})

	case errors.Is(err, domain.ErrEmptyOrderItems),
		errors.Is(err, domain.ErrInvalidCustomerID),
		errors.Is(err, domain.ErrInvalidRestaurantID),
		errors.Is(err, domain.ErrInvalidItemID),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, domain.ErrInvalidLocation),
		errors.Is(err, domain.ErrInvalidPriority):
		badRequest(c, err)

	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Внутренняя ошибка")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Внутренняя ошибка сервера",
		})
	}
}

// moneyToDecimal переводит центы в десятичную сумму для DTO.
func moneyToDecimal(m domain.Money) float64 {
	return float64(m) / 100
}

// decimalToMoney переводит десятичную сумму DTO в центы.
func decimalToMoney(v float64) domain.Money {
	return domain.Money(math.Round(v * 100))
}

func itemsToParams(items []ItemRequest) []service.ItemParams {
	if len(items) == 0 {
		return nil
	}
	params := make([]service.ItemParams, len(items))
	for i, item := range items {
		params[i] = service.ItemParams{
			ItemID:    item.ItemID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: decimalToMoney(item.UnitPrice),
			Notes:     item.Notes,
		}
	}
	return params
}

func orderToResponse(o *domain.Order) OrderResponse {
	items := make([]ItemResponse, len(o.Items))
	for i, item := range o.Items {
		items[i] = ItemResponse{
			ItemID:    item.ItemID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: moneyToDecimal(item.UnitPrice),
			Total:     moneyToDecimal(item.Total),
			Notes:     item.Notes,
		}
	}

	return OrderResponse{
		ID:           o.ID,
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		Items:        items,
		DeliveryLocation: LocationResponse{
			Lat:        o.DeliveryLocation.Latitude,
			Lng:        o.DeliveryLocation.Longitude,
			Address:    o.DeliveryLocation.Address,
			City:       o.DeliveryLocation.City,
			PostalCode: o.DeliveryLocation.PostalCode,
		},
		Subtotal:          moneyToDecimal(o.Subtotal),
		Tax:               moneyToDecimal(o.Tax),
		DeliveryFee:       moneyToDecimal(o.DeliveryFee),
		Total:             moneyToDecimal(o.Total),
		Status:            string(o.Status),
		Priority:          string(o.Priority),
		TrackingCode:      o.TrackingCode,
		EstimatedDelivery: o.EstimatedDelivery,
		AssignedDriverID:  o.AssignedDriverID,
		FailureReason:     o.FailureReason,
		Version:           o.Version,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}
