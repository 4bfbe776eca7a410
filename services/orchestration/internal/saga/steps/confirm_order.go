package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/delivery-platform/pkg/outbox"
	"example.com/delivery-platform/services/orchestration/internal/domain"
	"example.com/delivery-platform/services/orchestration/internal/repository"
	"example.com/delivery-platform/services/orchestration/internal/saga"
)

// ConfirmationData — выход шага ConfirmOrder.
type ConfirmationData struct {
	TrackingCode      string     `json:"trackingCode"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	ConfirmedAt       time.Time  `json:"confirmedAt"`
}

// ConfirmOrder переводит заказ в Confirmed и публикует уведомления.
// Подтверждение, код отслеживания и события пишутся в одной транзакции.
type ConfirmOrder struct {
	orders repository.OrderRepository
	db     *gorm.DB
	writer *outbox.Writer
}

// NewConfirmOrder создаёт шаг подтверждения заказа.
func NewConfirmOrder(orders repository.OrderRepository, db *gorm.DB, writer *outbox.Writer) *ConfirmOrder {
	return &ConfirmOrder{orders: orders, db: db, writer: writer}
}

func (s *ConfirmOrder) Name() string           { return "ConfirmOrder" }
func (s *ConfirmOrder) Timeout() time.Duration { return 3 * time.Second }
func (s *ConfirmOrder) MaxRetries() int        { return 2 }
func (s *ConfirmOrder) CanCompensate() bool    { return true }

// Execute подтверждает заказ в транзакции вместе с событиями.
func (s *ConfirmOrder) Execute(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	var booking BookingData
	if len(sc.PrevOutput) > 0 {
		if err := json.Unmarshal(sc.PrevOutput, &booking); err != nil {
			return nil, fmt.Errorf("ошибка декодирования данных бронирования: %w", err)
		}
	}

	var out ConfirmationData
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orders.GetByID(ctx, sc.AggregateID)
		if err != nil {
			return err
		}

		if err := order.Confirm(booking.EstimatedDelivery); err != nil {
			return err
		}
		if booking.PartnerID != "" {
			order.AssignedDriverID = &booking.PartnerID
		}

		if err := s.orders.Update(ctx, tx, order); err != nil {
			return err
		}

		var trackingCode string
		if order.TrackingCode != nil {
			trackingCode = *order.TrackingCode
		}

		confirmed := map[string]any{
			"orderId":           order.ID,
			"trackingCode":      trackingCode,
			"estimatedDelivery": order.EstimatedDelivery,
		}
		events := []outbox.AppendParams{
			{Type: outbox.EventOrderConfirmed, AggregateID: order.ID, AggregateType: "order", Payload: confirmed},
			{Type: outbox.EventSendOrderConfirmation, AggregateID: order.ID, AggregateType: "order", Payload: map[string]any{
				"orderId":      order.ID,
				"customerId":   order.CustomerID,
				"trackingCode": trackingCode,
			}},
			{Type: outbox.EventNotifyRestaurantOrderConfirmed, AggregateID: order.ID, AggregateType: "order", Payload: map[string]any{
				"orderId":      order.ID,
				"restaurantId": order.RestaurantID,
			}},
		}
		for _, params := range events {
			if _, err := s.writer.Append(ctx, tx, params); err != nil {
				return fmt.Errorf("ошибка записи события %s: %w", params.Type, err)
			}
		}

		out = ConfirmationData{
			TrackingCode:      trackingCode,
			EstimatedDelivery: order.EstimatedDelivery,
			ConfirmedAt:       time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(out)
}

// Compensate возвращает подтверждённый заказ в Pending.
func (s *ConfirmOrder) Compensate(ctx context.Context, sc *saga.StepContext) error {
	if len(sc.StepData) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orders.GetByID(ctx, sc.AggregateID)
		if err != nil {
			return err
		}

		// Заказ уже не Confirmed — откатывать нечего
		if order.Status != domain.OrderStatusConfirmed {
			return nil
		}

		if err := order.RevertConfirmation("компенсация саги обработки заказа"); err != nil {
			return err
		}
		if err := s.orders.Update(ctx, tx, order); err != nil {
			return err
		}

		_, err = s.writer.Append(ctx, tx, outbox.AppendParams{
			Type:          outbox.EventOrderConfirmationReverted,
			AggregateID:   order.ID,
			AggregateType: "order",
			Payload:       map[string]any{"orderId": order.ID},
		})
		return err
	})
}
