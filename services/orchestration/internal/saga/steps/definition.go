package steps

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/outbox"
	"example.com/delivery-platform/services/orchestration/internal/clients"
	"example.com/delivery-platform/services/orchestration/internal/domain"
	"example.com/delivery-platform/services/orchestration/internal/repository"
	"example.com/delivery-platform/services/orchestration/internal/saga"
)

// Значения по умолчанию, если конфигурация не задала свои.
const (
	defaultSagaTimeout    = 2 * time.Minute
	defaultSagaMaxRetries = 1
)

// NewOrderProcessingDefinition собирает определение саги ORDER_PROCESSING:
// ReserveInventory → BookPartner → ConfirmOrder.
// Таймаут — общий дедлайн саги (SAGA_TIMEOUT), maxRetries — лимит
// повторных запусков целиком (SAGA_MAX_RETRIES).
// OnCompensated фиксирует причину неудачи на заказе — заказ остаётся
// Pending и может быть пересоздан или отменён клиентом.
func NewOrderProcessingDefinition(
	inventory clients.InventoryClient,
	partner clients.PartnerClient,
	orders repository.OrderRepository,
	db *gorm.DB,
	writer *outbox.Writer,
	timeout time.Duration,
	maxRetries int,
) *saga.Definition {
	if timeout <= 0 {
		timeout = defaultSagaTimeout
	}
	if maxRetries <= 0 {
		maxRetries = defaultSagaMaxRetries
	}

	return &saga.Definition{
		Type: saga.TypeOrderProcessing,
		Steps: []saga.Step{
			NewReserveInventory(inventory, db, writer),
			NewBookPartner(partner, db, writer),
			NewConfirmOrder(orders, db, writer),
		},
		Timeout:    timeout,
		MaxRetries: maxRetries,
		OnCompensated: func(ctx context.Context, s *saga.Saga, reason string) error {
			order, err := orders.GetByID(ctx, s.AggregateID)
			if err != nil {
				if errors.Is(err, domain.ErrOrderNotFound) {
					return nil
				}
				return err
			}
			// Подтверждение уже откатано компенсацией ConfirmOrder;
			// здесь только стампуем причину
			order.RecordFailureReason(reason)
			if err := orders.Update(ctx, nil, order); err != nil {
				logger.FromContext(ctx).Error().Err(err).
					Str("order_id", order.ID).
					Msg("Ошибка фиксации причины компенсации на заказе")
				return err
			}
			return nil
		},
	}
}
