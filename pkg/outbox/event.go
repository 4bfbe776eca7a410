// Package outbox реализует Transactional Outbox Pattern для гарантированной
// доставки доменных событий в шину сообщений.
// Бизнес-код пишет событие в таблицу outbox_events в одной транзакции с
// бизнес-данными; отдельный Relay читает таблицу и публикует события в Kafka
// с повторами, DLQ и очисткой.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType — тип доменного события из закрытого реестра.
type EventType string

// Реестр типов событий. Append отклоняет типы вне этого списка.
const (
	// События заказа
	EventOrderCreated              EventType = "ORDER_CREATED"
	EventOrderConfirmed            EventType = "ORDER_CONFIRMED"
	EventOrderConfirmationReverted EventType = "ORDER_CONFIRMATION_REVERTED"
	EventOrderUpdated              EventType = "ORDER_UPDATED"
	EventOrderCancelled            EventType = "ORDER_CANCELLED"
	EventOrderFailed               EventType = "ORDER_FAILED"

	// Уведомления по заказу
	EventSendOrderConfirmation          EventType = "SEND_ORDER_CONFIRMATION"
	EventNotifyRestaurantOrderConfirmed EventType = "NOTIFY_RESTAURANT_ORDER_CONFIRMED"

	// События резервирования capacity (инвентарь ресторана)
	EventInventoryReserved            EventType = "INVENTORY_RESERVED"
	EventInventoryReservationReleased EventType = "INVENTORY_RESERVATION_RELEASED"

	// События подбора и бронирования курьера
	EventPartnerBooked           EventType = "PARTNER_BOOKED"
	EventPartnerBookingCancelled EventType = "PARTNER_BOOKING_CANCELLED"

	// События жизненного цикла саги
	EventSagaStarted     EventType = "SAGA_STARTED"
	EventSagaCompleted   EventType = "SAGA_COMPLETED"
	EventSagaCompensated EventType = "SAGA_COMPENSATED"
	EventSagaFailed      EventType = "SAGA_FAILED"
)

// Топики шины по семействам событий.
const (
	TopicOrders       = "orders"
	TopicCapacity     = "capacity"
	TopicOptimization = "optimization"
	TopicDefault      = "default-events"
)

// topicByType — статическая карта тип события → топик.
var topicByType = map[EventType]string{
	EventOrderCreated:              TopicOrders,
	EventOrderConfirmed:            TopicOrders,
	EventOrderConfirmationReverted: TopicOrders,
	EventOrderUpdated:              TopicOrders,
	EventOrderCancelled:            TopicOrders,
	EventOrderFailed:               TopicOrders,

	EventSendOrderConfirmation:          TopicOrders,
	EventNotifyRestaurantOrderConfirmed: TopicOrders,

	EventInventoryReserved:            TopicCapacity,
	EventInventoryReservationReleased: TopicCapacity,

	EventPartnerBooked:           TopicOptimization,
	EventPartnerBookingCancelled: TopicOptimization,
}

// IsValid сообщает, входит ли тип события в реестр.
func (t EventType) IsValid() bool {
	if _, ok := topicByType[t]; ok {
		return true
	}
	switch t {
	case EventSagaStarted, EventSagaCompleted, EventSagaCompensated, EventSagaFailed:
		return true
	}
	return false
}

// Topic возвращает топик шины для типа события.
// Неизвестные семейства (включая события саги) идут в TopicDefault.
func (t EventType) Topic() string {
	if topic, ok := topicByType[t]; ok {
		return topic
	}
	return TopicDefault
}

// Event — запись outbox: доменный факт, ожидающий публикации в шину.
type Event struct {
	ID            string          // UUID события
	Type          EventType       // Тип события из реестра
	AggregateID   string          // ID агрегата (order_id / saga_id)
	AggregateType string          // Тип агрегата (order / saga)
	Payload       json.RawMessage // JSON полезная нагрузка
	Processed     bool            // true после успешной публикации
	ProcessedAt   *time.Time      // Время публикации
	RetryCount    int             // Количество неудачных попыток
	LastError     *string         // Текст последней ошибки
	NextAttemptAt *time.Time      // Не раньше этого времени событие можно брать снова
	Dead          bool            // true после отправки в DLQ, больше не публикуется
	CreatedAt     time.Time       // Время записи в outbox
}

// envelopeVersion — версия формата сообщения на шине.
const envelopeVersion = 1

// Envelope — каноническое представление события на шине (JSON value сообщения).
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
}

// MarshalEnvelope сериализует событие в канонический JSON для шины.
func (e *Event) MarshalEnvelope() ([]byte, error) {
	env := Envelope{
		ID:            e.ID,
		Type:          string(e.Type),
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       e.Payload,
		Timestamp:     e.CreatedAt.UTC(),
		Version:       envelopeVersion,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события %s: %w", e.ID, err)
	}
	return data, nil
}
