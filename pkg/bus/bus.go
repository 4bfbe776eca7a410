// Package bus предоставляет клиент шины событий поверх kafka-go.
// Используется Outbox Relay для доставки доменных событий: publish с
// повторными попытками и экспоненциальным backoff, отдельный DLQ топик
// для сообщений, исчерпавших лимит попыток.
package bus

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/delivery-platform/pkg/logger"
)

// Стандартные ключи заголовков сообщений.
const (
	HeaderEventType     = "event-type"
	HeaderEventID       = "event-id"
	HeaderAggregateType = "aggregate-type"
	HeaderAggregateID   = "aggregate-id"
	HeaderCreatedAt     = "created-at"
	HeaderRetryCount    = "retry-count"
	HeaderTimestamp     = "timestamp"
	HeaderCorrelationID = "correlation-id"

	// Заголовки DLQ сообщений.
	HeaderOriginalTopic = "original-topic"
	HeaderError         = "error"
	HeaderFailedAt      = "failed-at"
)

// Config содержит настройки подключения к шине.
type Config struct {
	// Brokers — список адресов брокеров Kafka.
	Brokers []string

	// DLQTopic — топик для недоставленных сообщений.
	DLQTopic string

	// MaxRetries — максимум попыток публикации одного сообщения.
	MaxRetries int
}

// Message представляет сообщение шины с метаданными.
type Message struct {
	// Topic — топик назначения.
	Topic string

	// Key — ключ сообщения. Шина сохраняет порядок сообщений с одним ключом,
	// поэтому ключом всегда служит aggregate id.
	Key []byte

	// Value — тело сообщения (канонический JSON события).
	Value []byte

	// Headers — заголовки сообщения.
	Headers map[string]string

	// Time — временная метка сообщения.
	Time time.Time
}

// toKafkaMessage конвертирует Message в kafka.Message.
func (m *Message) toKafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	t := m.Time
	if t.IsZero() {
		t = time.Now()
	}

	return kafka.Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: headers,
		Time:    t,
	}
}

// CorrelationIDFromContext извлекает correlation_id из context.
// Делегирует в pkg/logger для единообразной работы с контекстом.
func CorrelationIDFromContext(ctx context.Context) string {
	return logger.CorrelationIDFromContext(ctx)
}
