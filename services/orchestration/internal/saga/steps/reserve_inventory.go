package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/outbox"
	"example.com/delivery-platform/services/orchestration/internal/clients"
	"example.com/delivery-platform/services/orchestration/internal/saga"
)

// ReservationData — выход шага ReserveInventory.
type ReservationData struct {
	ReservationID string                `json:"reservationId"`
	Items         []clients.ReserveItem `json:"items"`
	ExpiresAt     time.Time             `json:"expiresAt"`
}

// ReserveInventory резервирует позиции заказа в инвентаре ресторана.
// Резервация живёт 15 минут; компенсация снимает её по ID.
type ReserveInventory struct {
	inventory clients.InventoryClient
	db        *gorm.DB
	writer    *outbox.Writer
}

// NewReserveInventory создаёт шаг резервации инвентаря.
func NewReserveInventory(inventory clients.InventoryClient, db *gorm.DB, writer *outbox.Writer) *ReserveInventory {
	return &ReserveInventory{inventory: inventory, db: db, writer: writer}
}

func (s *ReserveInventory) Name() string           { return "ReserveInventory" }
func (s *ReserveInventory) Timeout() time.Duration { return 5 * time.Second }
func (s *ReserveInventory) MaxRetries() int        { return 3 }
func (s *ReserveInventory) CanCompensate() bool    { return true }

// Execute резервирует позиции заказа.
func (s *ReserveInventory) Execute(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	od, err := parseOrderData(sc.Data)
	if err != nil {
		return nil, err
	}

	var reservation *clients.Reservation
	err = withRetries(ctx, s.MaxRetries(), func() error {
		var reserveErr error
		reservation, reserveErr = s.inventory.Reserve(ctx, clients.ReserveRequest{
			OrderID:      od.OrderID,
			RestaurantID: od.RestaurantID,
			Items:        od.Items,
		})
		return reserveErr
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка резервации инвентаря: %w", err)
	}

	// Фиксируем факт резервации в outbox (агрегат — заказ)
	_, err = s.writer.Append(ctx, s.db, outbox.AppendParams{
		Type:          outbox.EventInventoryReserved,
		AggregateID:   od.OrderID,
		AggregateType: "order",
		Payload: map[string]any{
			"reservationId": reservation.ReservationID,
			"expiresAt":     reservation.ExpiresAt,
		},
	})
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("order_id", od.OrderID).
			Msg("Ошибка записи события резервации в outbox")
	}

	return json.Marshal(ReservationData{
		ReservationID: reservation.ReservationID,
		Items:         reservation.Items,
		ExpiresAt:     reservation.ExpiresAt,
	})
}

// Compensate снимает резервацию. Отсутствие сохранённых данных шага —
// успех: резервировать не успели, снимать нечего.
func (s *ReserveInventory) Compensate(ctx context.Context, sc *saga.StepContext) error {
	if len(sc.StepData) == 0 {
		return nil
	}

	var data ReservationData
	if err := json.Unmarshal(sc.StepData, &data); err != nil {
		return fmt.Errorf("ошибка декодирования данных резервации: %w", err)
	}
	if data.ReservationID == "" {
		return nil
	}

	if err := s.inventory.Release(ctx, data.ReservationID); err != nil {
		return fmt.Errorf("ошибка снятия резервации %s: %w", data.ReservationID, err)
	}

	od, err := parseOrderData(sc.Data)
	if err != nil {
		return err
	}

	_, err = s.writer.Append(ctx, s.db, outbox.AppendParams{
		Type:          outbox.EventInventoryReservationReleased,
		AggregateID:   od.OrderID,
		AggregateType: "order",
		Payload:       map[string]any{"reservationId": data.ReservationID},
	})
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("order_id", od.OrderID).
			Msg("Ошибка записи события снятия резервации в outbox")
	}
	return nil
}
