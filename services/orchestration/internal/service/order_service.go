// Package service содержит бизнес-логику обработки заказов: создание
// с запуском саги ORDER_PROCESSING, чтение, обновление с оптимистичной
// блокировкой и отмена с компенсацией.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/outbox"
	"example.com/delivery-platform/services/orchestration/internal/clients"
	"example.com/delivery-platform/services/orchestration/internal/domain"
	"example.com/delivery-platform/services/orchestration/internal/repository"
	"example.com/delivery-platform/services/orchestration/internal/saga"
	"example.com/delivery-platform/services/orchestration/internal/saga/steps"
)

// =============================================================================
// Параметры операций
// =============================================================================

// ItemParams — позиция заказа при создании или обновлении.
type ItemParams struct {
	ItemID    string
	Name      string
	Quantity  int32
	UnitPrice domain.Money
	Notes     string
}

// CreateOrderParams — параметры создания заказа.
// PickupLocation — точка забора (ресторан); при отсутствии шаги саги
// используют координаты доставки.
type CreateOrderParams struct {
	CustomerID       string
	RestaurantID     string
	Items            []ItemParams
	DeliveryLocation domain.DeliveryLocation
	Priority         domain.OrderPriority
	PickupLocation   *clients.Coordinates
}

// UpdateOrderParams — параметры обновления заказа.
// Nil-поля не меняются. Version — ожидаемая версия для оптимистичной
// блокировки (0 — без проверки).
type UpdateOrderParams struct {
	Items            []ItemParams
	DeliveryLocation *domain.DeliveryLocation
	Priority         *domain.OrderPriority
	Version          int64
}

// OrderStatusInfo — краткий статус заказа для трекинга.
type OrderStatusInfo struct {
	OrderID           string
	Status            domain.OrderStatus
	TrackingCode      *string
	EstimatedDelivery *time.Time
	AssignedDriverID  *string
	FailureReason     *string
	SagaStatus        *saga.Status
	UpdatedAt         time.Time
}

// =============================================================================
// OrderService
// =============================================================================

// OrderService — операции над заказами.
type OrderService interface {
	// CreateOrder создаёт заказ, пишет ORDER_CREATED и запускает сагу
	// ORDER_PROCESSING в одной транзакции.
	CreateOrder(ctx context.Context, params CreateOrderParams) (*domain.Order, error)

	// GetOrder возвращает заказ по ID.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// GetOrderStatus возвращает краткий статус заказа и его саги.
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatusInfo, error)

	// UpdateOrder обновляет изменяемые поля заказа с проверкой версии.
	UpdateOrder(ctx context.Context, orderID string, params UpdateOrderParams) (*domain.Order, error)

	// CancelOrder отменяет заказ и компенсирует его сагу.
	CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error)

	// ListOrderEvents возвращает историю outbox-событий заказа.
	ListOrderEvents(ctx context.Context, orderID string) ([]*outbox.Event, error)

	// ListOrders возвращает заказы клиента постранично.
	ListOrders(ctx context.Context, customerID string, offset, limit int) ([]*domain.Order, int64, error)

	// ListFailedSagas возвращает саги на карантине для разбора.
	ListFailedSagas(ctx context.Context, limit int) ([]*saga.Saga, error)
}

type orderService struct {
	db          *gorm.DB
	orders      repository.OrderRepository
	sagas       saga.Repository
	outboxRepo  outbox.Repository
	writer      *outbox.Writer
	coordinator saga.Coordinator
}

// NewOrderService создаёт сервис заказов.
func NewOrderService(
	db *gorm.DB,
	orders repository.OrderRepository,
	sagas saga.Repository,
	outboxRepo outbox.Repository,
	writer *outbox.Writer,
	coordinator saga.Coordinator,
) OrderService {
	return &orderService{
		db:          db,
		orders:      orders,
		sagas:       sagas,
		outboxRepo:  outboxRepo,
		writer:      writer,
		coordinator: coordinator,
	}
}

// CreateOrder создаёт заказ и запускает сагу обработки.
// Заказ, событие ORDER_CREATED, запись саги и SAGA_STARTED коммитятся
// одной транзакцией; выполнение саги стартует после коммита.
func (s *orderService) CreateOrder(ctx context.Context, params CreateOrderParams) (*domain.Order, error) {
	log := logger.FromContext(ctx)

	now := time.Now()
	order := &domain.Order{
		ID:               uuid.NewString(),
		CustomerID:       params.CustomerID,
		RestaurantID:     params.RestaurantID,
		Items:            itemsFromParams(params.Items),
		DeliveryLocation: params.DeliveryLocation,
		Status:           domain.OrderStatusPending,
		Priority:         params.Priority,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if order.Priority == "" {
		order.Priority = domain.PriorityNormal
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}
	order.CalculateTotals()

	var sagaID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orders.Create(ctx, tx, order); err != nil {
			return err
		}

		if _, err := s.writer.Append(ctx, tx, outbox.AppendParams{
			Type:          outbox.EventOrderCreated,
			AggregateID:   order.ID,
			AggregateType: "order",
			Payload:       orderEventPayload(order),
		}); err != nil {
			return err
		}

		created, err := s.coordinator.StartSaga(ctx, tx, saga.StartOptions{
			Type:          saga.TypeOrderProcessing,
			AggregateID:   order.ID,
			AggregateType: "order",
			Data:          s.sagaData(order, params.PickupLocation),
		})
		if err != nil {
			return err
		}
		sagaID = created.ID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания заказа: %w", err)
	}

	// Сага берётся в работу только после коммита транзакции
	s.coordinator.Enqueue(sagaID)

	log.Info().
		Str("order_id", order.ID).
		Str("saga_id", sagaID).
		Str("customer_id", order.CustomerID).
		Int64("total", int64(order.Total)).
		Msg("Заказ создан, сага запущена")

	return order, nil
}

// GetOrder возвращает заказ по ID.
func (s *orderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.GetByID(ctx, orderID)
}

// GetOrderStatus возвращает краткий статус заказа и состояние его саги.
func (s *orderService) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatusInfo, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	info := &OrderStatusInfo{
		OrderID:           order.ID,
		Status:            order.Status,
		TrackingCode:      order.TrackingCode,
		EstimatedDelivery: order.EstimatedDelivery,
		AssignedDriverID:  order.AssignedDriverID,
		FailureReason:     order.FailureReason,
		UpdatedAt:         order.UpdatedAt,
	}

	sg, err := s.sagas.GetByAggregateID(ctx, orderID)
	if err == nil {
		info.SagaStatus = &sg.Status
	} else if !errors.Is(err, saga.ErrSagaNotFound) {
		return nil, err
	}

	return info, nil
}

// UpdateOrder обновляет изменяемые поля заказа.
// Позиции меняются только в статусе Pending; версия проверяется
// оптимистичной блокировкой.
func (s *orderService) UpdateOrder(ctx context.Context, orderID string, params UpdateOrderParams) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if params.Version != 0 && params.Version != order.Version {
		return nil, domain.ErrVersionConflict
	}

	if len(params.Items) > 0 {
		if order.Status != domain.OrderStatusPending {
			return nil, domain.ErrOrderNotEditable
		}
		order.Items = itemsFromParams(params.Items)
	}
	if params.DeliveryLocation != nil {
		order.DeliveryLocation = *params.DeliveryLocation
	}
	if params.Priority != nil {
		order.Priority = *params.Priority
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}
	order.CalculateTotals()
	order.Version++
	order.UpdatedAt = time.Now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orders.Update(ctx, tx, order); err != nil {
			return err
		}
		_, err := s.writer.Append(ctx, tx, outbox.AppendParams{
			Type:          outbox.EventOrderUpdated,
			AggregateID:   order.ID,
			AggregateType: "order",
			Payload:       orderEventPayload(order),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// CancelOrder отменяет заказ и запускает компенсацию его саги.
// Отмена из Delivered и Cancelled отклоняется.
func (s *orderService) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	log := logger.FromContext(ctx)

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := order.Cancel(reason); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orders.Update(ctx, tx, order); err != nil {
			return err
		}
		_, err := s.writer.Append(ctx, tx, outbox.AppendParams{
			Type:          outbox.EventOrderCancelled,
			AggregateID:   order.ID,
			AggregateType: "order",
			Payload: map[string]any{
				"orderId": order.ID,
				"reason":  reason,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	// Компенсация саги best-effort: терминальная сага — штатная ситуация
	if sg, err := s.sagas.GetByAggregateID(ctx, orderID); err == nil {
		if err := s.coordinator.CancelSaga(ctx, sg.ID, reason); err != nil && !errors.Is(err, saga.ErrSagaTerminal) {
			log.Error().Err(err).Str("saga_id", sg.ID).Msg("Ошибка отмены саги заказа")
		}
	} else if !errors.Is(err, saga.ErrSagaNotFound) {
		log.Error().Err(err).Str("order_id", orderID).Msg("Ошибка поиска саги заказа")
	}

	log.Info().Str("order_id", order.ID).Str("reason", reason).Msg("Заказ отменён")
	return order, nil
}

// ListOrderEvents возвращает историю outbox-событий заказа.
func (s *orderService) ListOrderEvents(ctx context.Context, orderID string) ([]*outbox.Event, error) {
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.outboxRepo.ListByAggregate(ctx, orderID)
}

// ListOrders возвращает заказы клиента постранично.
func (s *orderService) ListOrders(ctx context.Context, customerID string, offset, limit int) ([]*domain.Order, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.orders.ListByCustomer(ctx, customerID, offset, limit)
}

// ListFailedSagas возвращает саги на карантине.
func (s *orderService) ListFailedSagas(ctx context.Context, limit int) ([]*saga.Saga, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.coordinator.ListFailed(ctx, limit)
}

// =============================================================================
// Вспомогательные
// =============================================================================

// sagaData собирает снимок заказа для шагов саги.
func (s *orderService) sagaData(order *domain.Order, pickup *clients.Coordinates) steps.OrderData {
	items := make([]clients.ReserveItem, len(order.Items))
	for i, item := range order.Items {
		items[i] = clients.ReserveItem{ItemID: item.ItemID, Quantity: item.Quantity}
	}

	delivery := clients.Coordinates{
		Lat: order.DeliveryLocation.Latitude,
		Lng: order.DeliveryLocation.Longitude,
	}
	pickupLoc := delivery
	if pickup != nil {
		pickupLoc = *pickup
	}

	return steps.OrderData{
		OrderID:          order.ID,
		RestaurantID:     order.RestaurantID,
		Items:            items,
		PickupLocation:   pickupLoc,
		DeliveryLocation: delivery,
		Priority:         priorityRank(order.Priority),
	}
}

// priorityRank переводит приоритет в числовой ранг оптимизатора.
func priorityRank(p domain.OrderPriority) int {
	switch p {
	case domain.PriorityLow:
		return 0
	case domain.PriorityHigh:
		return 2
	case domain.PriorityUrgent:
		return 3
	default:
		return 1
	}
}

func itemsFromParams(params []ItemParams) []domain.LineItem {
	items := make([]domain.LineItem, len(params))
	for i, p := range params {
		items[i] = domain.LineItem{
			ItemID:    p.ItemID,
			Name:      p.Name,
			Quantity:  p.Quantity,
			UnitPrice: p.UnitPrice,
			Notes:     p.Notes,
		}
	}
	return items
}

// orderEventPayload — снимок заказа для событий ORDER_CREATED/ORDER_UPDATED.
func orderEventPayload(order *domain.Order) map[string]any {
	return map[string]any{
		"orderId":      order.ID,
		"customerId":   order.CustomerID,
		"restaurantId": order.RestaurantID,
		"status":       order.Status,
		"priority":     order.Priority,
		"subtotal":     order.Subtotal,
		"tax":          order.Tax,
		"deliveryFee":  order.DeliveryFee,
		"total":        order.Total,
		"version":      order.Version,
	}
}
