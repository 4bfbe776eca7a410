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

// BookingData — выход шага BookPartner.
type BookingData struct {
	BookingID         string     `json:"bookingId"`
	PartnerID         string     `json:"partnerId"`
	ChannelID         string     `json:"channelId"`
	EstimatedPickup   *time.Time `json:"estimatedPickup,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	Fee               float64    `json:"fee"`
	Commission        float64    `json:"commission"`
	OptimizationScore float64    `json:"optimizationScore"`
	Degraded          bool       `json:"degraded"` // Канал выбран fallback'ом без оптимизатора
}

// BookPartner подбирает канал доставки через оптимизатор и бронирует курьера.
// При недоступном оптимизаторе деградирует до ближайшего канала со
// свободной ёмкостью.
type BookPartner struct {
	partner clients.PartnerClient
	db      *gorm.DB
	writer  *outbox.Writer
}

// NewBookPartner создаёт шаг бронирования курьера.
func NewBookPartner(partner clients.PartnerClient, db *gorm.DB, writer *outbox.Writer) *BookPartner {
	return &BookPartner{partner: partner, db: db, writer: writer}
}

func (s *BookPartner) Name() string           { return "BookPartner" }
func (s *BookPartner) Timeout() time.Duration { return 8 * time.Second }
func (s *BookPartner) MaxRetries() int        { return 3 }
func (s *BookPartner) CanCompensate() bool    { return true }

// Execute подбирает канал и бронирует курьера.
func (s *BookPartner) Execute(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	od, err := parseOrderData(sc.Data)
	if err != nil {
		return nil, err
	}

	channels, err := s.partner.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения каналов доставки: %w", err)
	}
	if len(channels) == 0 {
		return nil, clients.ErrNoChannelAvailable
	}

	channelID, score, degraded := s.selectChannel(ctx, od, channels)

	var booking *clients.Booking
	err = withRetries(ctx, s.MaxRetries(), func() error {
		var bookErr error
		booking, bookErr = s.partner.Book(ctx, clients.BookingRequest{
			OrderID:          od.OrderID,
			ChannelID:        channelID,
			PickupLocation:   od.PickupLocation,
			DeliveryLocation: od.DeliveryLocation,
		})
		return bookErr
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка бронирования курьера: %w", err)
	}

	_, err = s.writer.Append(ctx, s.db, outbox.AppendParams{
		Type:          outbox.EventPartnerBooked,
		AggregateID:   od.OrderID,
		AggregateType: "order",
		Payload: map[string]any{
			"bookingId": booking.BookingID,
			"partnerId": booking.PartnerID,
			"channelId": booking.ChannelID,
		},
	})
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("order_id", od.OrderID).
			Msg("Ошибка записи события бронирования в outbox")
	}

	return json.Marshal(BookingData{
		BookingID:         booking.BookingID,
		PartnerID:         booking.PartnerID,
		ChannelID:         booking.ChannelID,
		EstimatedPickup:   booking.EstimatedPickup,
		EstimatedDelivery: booking.EstimatedDelivery,
		Fee:               booking.Fee,
		Commission:        booking.Commission,
		OptimizationScore: score,
		Degraded:          degraded,
	})
}

// selectChannel запрашивает оптимизатор; при его недоступности
// возвращает ближайший свободный канал с флагом degraded.
func (s *BookPartner) selectChannel(ctx context.Context, od *OrderData, channels []clients.Channel) (channelID string, score float64, degraded bool) {
	log := logger.FromContext(ctx)

	result, err := s.partner.Optimize(ctx, clients.OptimizationRequest{
		Orders: []clients.OptimizationOrder{{
			ID:               od.OrderID,
			PickupLocation:   od.PickupLocation,
			DeliveryLocation: od.DeliveryLocation,
			Priority:         od.Priority,
			MaxDeliveryTime:  60,
		}},
		Channels: channels,
		Weights:  clients.DefaultWeights(),
	})
	if err == nil {
		if assigned, ok := result.Assignments[od.OrderID]; ok {
			return assigned, result.TotalScore, false
		}
		log.Warn().Str("order_id", od.OrderID).Msg("Оптимизатор не назначил канал заказу")
	} else {
		log.Warn().Err(err).Str("order_id", od.OrderID).
			Msg("Оптимизатор недоступен, деградация до ближайшего канала")
	}

	nearest, nearestErr := clients.NearestAvailableChannel(channels, od.PickupLocation)
	if nearestErr != nil {
		// Передаём первый канал: бронирование отклонит его само, если занят
		return channels[0].ID, 0, true
	}
	return nearest.ID, 0, true
}

// Compensate отменяет бронирование по ID.
func (s *BookPartner) Compensate(ctx context.Context, sc *saga.StepContext) error {
	if len(sc.StepData) == 0 {
		return nil
	}

	var data BookingData
	if err := json.Unmarshal(sc.StepData, &data); err != nil {
		return fmt.Errorf("ошибка декодирования данных бронирования: %w", err)
	}
	if data.BookingID == "" {
		return nil
	}

	if err := s.partner.CancelBooking(ctx, data.BookingID); err != nil {
		return fmt.Errorf("ошибка отмены бронирования %s: %w", data.BookingID, err)
	}

	od, err := parseOrderData(sc.Data)
	if err != nil {
		return err
	}

	_, err = s.writer.Append(ctx, s.db, outbox.AppendParams{
		Type:          outbox.EventPartnerBookingCancelled,
		AggregateID:   od.OrderID,
		AggregateType: "order",
		Payload:       map[string]any{"bookingId": data.BookingID},
	})
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("order_id", od.OrderID).
			Msg("Ошибка записи события отмены бронирования в outbox")
	}
	return nil
}
