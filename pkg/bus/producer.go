package bus

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/delivery-platform/pkg/logger"
)

// maxBackoff — потолок задержки между попытками публикации.
const maxBackoff = 30 * time.Second

// messageWriter — интерфейс над kafka.Writer.
// Позволяет замокать запись в шину в unit-тестах (Dependency Inversion).
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer отправляет сообщения в шину с повторными попытками.
// Доставка at-least-once: при сбое сообщение может быть опубликовано
// повторно, потребители дедуплицируют по заголовку event-id.
type Producer struct {
	writer      messageWriter
	cfg         Config
	backoffBase time.Duration
}

// NewProducer создаёт новый Producer.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры шины событий")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = "dlq.events"
	}

	writer := &kafka.Writer{
		Addr: kafka.TCP(cfg.Brokers...),
		// Hash balancer: сообщения с одним ключом попадают в одну партицию,
		// что сохраняет порядок событий внутри агрегата.
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("dlq_topic", cfg.DLQTopic).
		Msg("Создан producer шины событий")

	return &Producer{
		writer:      writer,
		cfg:         cfg,
		backoffBase: time.Second,
	}, nil
}

// NewProducerWithWriter создаёт Producer с готовым writer. Для тестов.
func NewProducerWithWriter(w messageWriter, cfg Config, backoffBase time.Duration) *Producer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = "dlq.events"
	}
	return &Producer{writer: w, cfg: cfg, backoffBase: backoffBase}
}

// Publish отправляет сообщение, делая до MaxRetries попыток.
// Между попытками спит 2^n базовых интервалов с джиттером ±20%,
// но не дольше 30 секунд. Возвращает последнюю ошибку при исчерпании попыток.
func (p *Producer) Publish(ctx context.Context, msg *Message) error {
	log := logger.FromContext(ctx)

	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	if _, ok := msg.Headers[HeaderCorrelationID]; !ok {
		if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
			msg.Headers[HeaderCorrelationID] = correlationID
		}
	}
	if _, ok := msg.Headers[HeaderTimestamp]; !ok {
		msg.Headers[HeaderTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	kafkaMsg := msg.toKafkaMessage()

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}

		lastErr = p.writer.WriteMessages(ctx, kafkaMsg)
		if lastErr == nil {
			log.Debug().
				Str("topic", msg.Topic).
				Str("key", string(msg.Key)).
				Int("attempt", attempt+1).
				Msg("Сообщение опубликовано в шину")
			return nil
		}

		log.Warn().
			Err(lastErr).
			Str("topic", msg.Topic).
			Str("key", string(msg.Key)).
			Int("attempt", attempt+1).
			Msg("Ошибка публикации, повторяем")
	}

	return fmt.Errorf("публикация в топик %s не удалась после %d попыток: %w",
		msg.Topic, p.cfg.MaxRetries, lastErr)
}

// PublishToDLQ отправляет сообщение в Dead Letter топик с информацией об ошибке.
// Вызывается Relay после исчерпания лимита попыток доставки события.
func (p *Producer) PublishToDLQ(ctx context.Context, original *Message, publishErr error, retryCount int) error {
	headers := make(map[string]string, len(original.Headers)+4)
	for k, v := range original.Headers {
		headers[k] = v
	}

	headers[HeaderOriginalTopic] = original.Topic
	headers[HeaderError] = publishErr.Error()
	headers[HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	headers[HeaderRetryCount] = fmt.Sprintf("%d", retryCount)

	dlqMsg := Message{
		Topic:   p.cfg.DLQTopic,
		Key:     original.Key,
		Value:   original.Value,
		Headers: headers,
	}

	// В DLQ пишем без retry-цикла: одна попытка, ошибка отдаётся наверх.
	if err := p.writer.WriteMessages(ctx, dlqMsg.toKafkaMessage()); err != nil {
		logger.FromContext(ctx).Error().
			Err(err).
			Str("original_topic", original.Topic).
			Str("key", string(original.Key)).
			Msg("Ошибка отправки сообщения в DLQ")
		return fmt.Errorf("ошибка отправки в DLQ: %w", err)
	}

	logger.FromContext(ctx).Warn().
		Str("original_topic", original.Topic).
		Str("key", string(original.Key)).
		Str("error", publishErr.Error()).
		Msg("Сообщение перенаправлено в DLQ")

	return nil
}

// backoff возвращает задержку перед попыткой attempt (1, 2, ...):
// 2^(attempt-1) базовых интервалов с джиттером ±20%, максимум 30 секунд.
func (p *Producer) backoff(attempt int) time.Duration {
	d := p.backoffBase << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}

	// Джиттер ±20% размазывает ретраи во времени
	jitter := 0.8 + 0.4*rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Close закрывает соединение с шиной.
// Должен вызываться при завершении работы приложения.
func (p *Producer) Close() error {
	logger.Info().Msg("Закрытие producer шины событий")

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия producer: %w", err)
	}
	return nil
}
