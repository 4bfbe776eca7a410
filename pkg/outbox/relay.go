package outbox

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"example.com/delivery-platform/pkg/bus"
	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/metrics"
)

// Producer — интерфейс для публикации сообщений в шину.
// Позволяет замокать bus.Producer в unit-тестах (Dependency Inversion).
type Producer interface {
	Publish(ctx context.Context, msg *bus.Message) error
	PublishToDLQ(ctx context.Context, original *bus.Message, publishErr error, retryCount int) error
}

// cleanupInterval — интервал очистки обработанных записей outbox.
const cleanupInterval = 1 * time.Hour

// RelayConfig — настройки Outbox Relay.
type RelayConfig struct {
	// PollInterval — интервал между опросами таблицы outbox_events.
	PollInterval time.Duration

	// BatchSize — количество событий за один опрос.
	BatchSize int

	// MaxRetries — лимит попыток публикации, после него событие идёт в DLQ.
	MaxRetries int

	// Concurrency — размер чанка: столько событий публикуется параллельно.
	Concurrency int

	// RetryDelay — пауза до следующей попытки после неудачной публикации.
	RetryDelay time.Duration

	// StaleThreshold — lease захвата: пока не истёк, другие реплики
	// не берут захваченные события.
	StaleThreshold time.Duration

	// SweepInterval — интервал прохода по событиям, исчерпавшим попытки.
	SweepInterval time.Duration

	// Retention — срок хранения обработанных и мёртвых событий.
	Retention time.Duration
}

// DefaultRelayConfig возвращает конфигурацию по умолчанию.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:   5 * time.Second,
		BatchSize:      100,
		MaxRetries:     3,
		Concurrency:    10,
		RetryDelay:     30 * time.Second,
		StaleThreshold: 5 * time.Minute,
		SweepInterval:  1 * time.Minute,
		Retention:      24 * time.Hour,
	}
}

// Relay читает события из outbox и публикует их в шину.
// Гарантия доставки — at-least-once; порядок сохраняется per-aggregate,
// потому что опрос отсортирован по created_at, а ключ сообщения — aggregate_id.
type Relay struct {
	repo     Repository
	producer Producer
	cfg      RelayConfig

	// busy защищает от наложения циклов: если публикация пачки
	// затянулась дольше PollInterval, очередной тик пропускается.
	busy atomic.Bool
}

// NewRelay создаёт Outbox Relay.
func NewRelay(repo Repository, producer Producer, cfg RelayConfig) *Relay {
	return &Relay{
		repo:     repo,
		producer: producer,
		cfg:      cfg,
	}
}

// Run запускает Relay. Блокирует выполнение до отмены контекста.
func (r *Relay) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Int("concurrency", r.cfg.Concurrency).
		Msg("Запуск Outbox Relay")

	pollTicker := time.NewTicker(r.cfg.PollInterval)
	defer pollTicker.Stop()

	sweepTicker := time.NewTicker(r.cfg.SweepInterval)
	defer sweepTicker.Stop()

	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Outbox Relay")
			return
		case <-pollTicker.C:
			r.ProcessBatch(ctx)
		case <-sweepTicker.C:
			r.sweep(ctx)
		case <-cleanupTicker.C:
			r.cleanup(ctx)
		}
	}
}

// ProcessBatch обрабатывает одну пачку необработанных событий.
// Публичный для тестов и принудительного прогона.
func (r *Relay) ProcessBatch(ctx context.Context) {
	// Пропускаем тик, если предыдущая пачка ещё публикуется
	if !r.busy.CompareAndSwap(false, true) {
		return
	}
	defer r.busy.Store(false)

	log := logger.FromContext(ctx)

	events, err := r.repo.ClaimBatch(ctx, r.cfg.BatchSize, r.cfg.MaxRetries, r.cfg.StaleThreshold)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка чтения outbox")
		return
	}

	if len(events) == 0 {
		return
	}

	log.Debug().Int("count", len(events)).Msg("Публикация пачки событий outbox")

	// Захваченную пачку допубликовываем даже при остановке сервиса:
	// обрыв на полпути оставил бы события под lease до истечения
	// StaleThreshold. Размер пачки ограничен BatchSize, так что
	// drain укладывается в таймаут graceful shutdown.
	ctx = context.WithoutCancel(ctx)

	// Чанки по Concurrency: внутри чанка события публикуются параллельно,
	// чанки — последовательно. Порядок per-aggregate при этом гарантирован
	// только между чанками: если два события одного агрегата попали в один
	// чанк, они могут опубликоваться в обратном порядке. Потребители
	// событий обязаны быть к этому устойчивы (at-least-once и так требует
	// идемпотентности); строгий порядок даёт Concurrency=1.
	chunk := r.cfg.Concurrency
	if chunk <= 0 {
		chunk = 1
	}

	for start := 0; start < len(events); start += chunk {
		end := start + chunk
		if end > len(events) {
			end = len(events)
		}

		var wg sync.WaitGroup
		for _, event := range events[start:end] {
			wg.Add(1)
			go func(e *Event) {
				defer wg.Done()
				r.publishOne(ctx, e)
			}(event)
		}
		wg.Wait()
	}
}

// publishOne публикует одно событие и фиксирует результат.
func (r *Relay) publishOne(ctx context.Context, event *Event) {
	log := logger.FromContext(ctx)
	topic := event.Type.Topic()

	msg, err := r.busMessage(event)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Ошибка формирования сообщения для шины")
		if markErr := r.repo.MarkFailed(ctx, event.ID, err, r.cfg.RetryDelay); markErr != nil {
			log.Error().Err(markErr).Str("event_id", event.ID).Msg("Ошибка пометки события как failed")
		}
		return
	}

	if err := r.producer.Publish(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("topic", topic).
			Int("retry_count", event.RetryCount).
			Msg("Ошибка публикации события в шину")

		metrics.OutboxEventsTotal.WithLabelValues(topic, "failed").Inc()

		if markErr := r.repo.MarkFailed(ctx, event.ID, err, r.cfg.RetryDelay); markErr != nil {
			log.Error().Err(markErr).Str("event_id", event.ID).Msg("Ошибка пометки события как failed")
		}
		return
	}

	if err := r.repo.MarkProcessed(ctx, event.ID); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Ошибка пометки события как обработанного")
		return
	}

	metrics.OutboxEventsTotal.WithLabelValues(topic, "published").Inc()

	log.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("topic", topic).
		Msg("Событие опубликовано")
}

// sweep отправляет в DLQ события, исчерпавшие лимит попыток.
// Публикации в обычный топик для них больше не будет.
func (r *Relay) sweep(ctx context.Context) {
	log := logger.FromContext(ctx)

	events, err := r.repo.ClaimExhausted(ctx, r.cfg.BatchSize, r.cfg.MaxRetries)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка чтения исчерпанных событий outbox")
		return
	}

	for _, event := range events {
		msg, err := r.busMessage(event)
		if err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Ошибка формирования сообщения для DLQ")
			continue
		}

		cause := errFromEvent(event)
		if err := r.producer.PublishToDLQ(ctx, msg, cause, event.RetryCount); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Ошибка публикации события в DLQ")
			continue
		}

		if err := r.repo.MarkDead(ctx, event.ID); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Ошибка пометки события как dead")
			continue
		}

		metrics.OutboxEventsTotal.WithLabelValues(event.Type.Topic(), "dlq").Inc()

		log.Warn().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Int("retry_count", event.RetryCount).
			Msg("Событие отправлено в DLQ: превышен лимит попыток")
	}
}

// cleanup удаляет обработанные и мёртвые события старше Retention.
func (r *Relay) cleanup(ctx context.Context) {
	log := logger.FromContext(ctx)

	before := time.Now().Add(-r.cfg.Retention)
	deleted, err := r.repo.DeleteExpired(ctx, before)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка очистки outbox")
		return
	}

	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Очистка обработанных записей outbox")
	}
}

// busMessage формирует сообщение шины из события outbox.
// Ключ — aggregate_id: шина сохраняет порядок per-key.
func (r *Relay) busMessage(event *Event) (*bus.Message, error) {
	value, err := event.MarshalEnvelope()
	if err != nil {
		return nil, err
	}

	return &bus.Message{
		Topic: event.Type.Topic(),
		Key:   []byte(event.AggregateID),
		Value: value,
		Headers: map[string]string{
			bus.HeaderEventType:     string(event.Type),
			bus.HeaderEventID:       event.ID,
			bus.HeaderAggregateType: event.AggregateType,
			bus.HeaderAggregateID:   event.AggregateID,
			bus.HeaderCreatedAt:     event.CreatedAt.UTC().Format(time.RFC3339Nano),
			bus.HeaderRetryCount:    strconv.Itoa(event.RetryCount),
		},
	}, nil
}

// errFromEvent восстанавливает причину для DLQ из последней ошибки события.
func errFromEvent(event *Event) error {
	if event.LastError != nil {
		return &publishError{msg: *event.LastError}
	}
	return &publishError{msg: "превышен лимит попыток публикации"}
}

type publishError struct{ msg string }

func (e *publishError) Error() string { return e.msg }
