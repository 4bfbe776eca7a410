// Package steps содержит шаги саги ORDER_PROCESSING:
// ReserveInventory → BookPartner → ConfirmOrder.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/delivery-platform/services/orchestration/internal/clients"
)

// OrderData — данные уровня саги ORDER_PROCESSING: снимок заказа,
// достаточный для выполнения всех шагов.
type OrderData struct {
	OrderID          string                `json:"orderId"`
	RestaurantID     string                `json:"restaurantId"`
	Items            []clients.ReserveItem `json:"items"`
	PickupLocation   clients.Coordinates   `json:"pickupLocation"`
	DeliveryLocation clients.Coordinates   `json:"deliveryLocation"`
	Priority         int                   `json:"priority"`
}

// parseOrderData декодирует данные саги.
func parseOrderData(data json.RawMessage) (*OrderData, error) {
	var od OrderData
	if err := json.Unmarshal(data, &od); err != nil {
		return nil, fmt.Errorf("ошибка декодирования данных саги: %w", err)
	}
	return &od, nil
}

// withRetries выполняет op до attempts раз с короткой паузой между
// попытками. Прерывается отменой контекста (дедлайн шага).
func withRetries(ctx context.Context, attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		if lastErr = op(); lastErr == nil {
			return nil
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("после %d попыток: %w", attempts, lastErr)
}
