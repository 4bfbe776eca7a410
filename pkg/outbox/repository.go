package outbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEventNotFound — запись outbox не найдена.
var ErrEventNotFound = errors.New("событие outbox не найдено")

// Repository определяет методы работы с таблицей outbox_events.
// Интерфейс для тестируемости (Dependency Inversion).
type Repository interface {
	// Append создаёт запись события внутри переданной транзакции.
	// Вызывается бизнес-кодом в одной транзакции с бизнес-записью.
	Append(ctx context.Context, tx *gorm.DB, event *Event) error

	// ClaimBatch выбирает и захватывает пачку необработанных событий.
	// Захват: SELECT ... FOR UPDATE SKIP LOCKED + сдвиг next_attempt_at
	// на lease вперёд, чтобы параллельные реплики Relay не взяли те же
	// строки. Упавшая реплика отпустит события после истечения lease.
	// Исключает события с retry_count >= maxRetries (они идут в DLQ).
	ClaimBatch(ctx context.Context, limit, maxRetries int, lease time.Duration) ([]*Event, error)

	// ClaimExhausted выбирает события, исчерпавшие лимит попыток
	// и ещё не отправленные в DLQ.
	ClaimExhausted(ctx context.Context, limit, maxRetries int) ([]*Event, error)

	// MarkProcessed помечает событие как опубликованное и очищает ошибку.
	// Повторная пометка — no-op.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed увеличивает счётчик попыток, сохраняет ошибку
	// и назначает следующую попытку через retryDelay.
	MarkFailed(ctx context.Context, id string, cause error, retryDelay time.Duration) error

	// MarkDead помечает событие как отправленное в DLQ.
	MarkDead(ctx context.Context, id string) error

	// DeleteExpired удаляет обработанные и мёртвые события старше before.
	// Возвращает количество удалённых записей.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	// ListByAggregate возвращает все события агрегата по времени создания.
	ListByAggregate(ctx context.Context, aggregateID string) ([]*Event, error)
}

// repository — GORM реализация Repository.
type repository struct {
	db *gorm.DB
}

// NewRepository создаёт репозиторий outbox.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Append создаёт запись события внутри переданной транзакции.
func (r *repository) Append(ctx context.Context, tx *gorm.DB, event *Event) error {
	model := ModelFromDomain(event)
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	event.CreatedAt = model.CreatedAt
	return nil
}

// ClaimBatch выбирает и захватывает пачку необработанных событий.
func (r *repository) ClaimBatch(ctx context.Context, limit, maxRetries int, lease time.Duration) ([]*Event, error) {
	var models []EventModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed = ? AND dead = ?", false, false).
			Where("retry_count < ?", maxRetries).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
			Order("created_at ASC").
			Limit(limit).
			Find(&models).Error; err != nil {
			return err
		}

		if len(models) == 0 {
			return nil
		}

		ids := make([]string, len(models))
		for i := range models {
			ids[i] = models[i].ID
		}

		// Lease: пока мы публикуем, другие реплики эти строки не возьмут
		return tx.Model(&EventModel{}).
			Where("id IN ?", ids).
			Update("next_attempt_at", now.Add(lease)).Error
	})
	if err != nil {
		return nil, err
	}

	result := make([]*Event, len(models))
	for i := range models {
		result[i] = models[i].ToDomain()
	}
	return result, nil
}

// ClaimExhausted выбирает события, исчерпавшие лимит попыток.
func (r *repository) ClaimExhausted(ctx context.Context, limit, maxRetries int) ([]*Event, error) {
	var models []EventModel

	if err := r.db.WithContext(ctx).
		Where("processed = ? AND dead = ?", false, false).
		Where("retry_count >= ?", maxRetries).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	result := make([]*Event, len(models))
	for i := range models {
		result[i] = models[i].ToDomain()
	}
	return result, nil
}

// MarkProcessed помечает событие как опубликованное. Идемпотентна.
func (r *repository) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&EventModel{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]any{
			"processed":       true,
			"processed_at":    now,
			"last_error":      nil,
			"next_attempt_at": nil,
		}).Error
}

// MarkFailed фиксирует неудачную попытку публикации.
func (r *repository) MarkFailed(ctx context.Context, id string, cause error, retryDelay time.Duration) error {
	errStr := cause.Error()
	result := r.db.WithContext(ctx).Model(&EventModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_error":      errStr,
			"next_attempt_at": time.Now().Add(retryDelay),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkDead помечает событие как отправленное в DLQ.
func (r *repository) MarkDead(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&EventModel{}).
		Where("id = ?", id).
		Update("dead", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// DeleteExpired удаляет обработанные и мёртвые события старше before.
// Удаляет пачками по 1000 для предотвращения длинных блокировок.
func (r *repository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("(processed = ? AND processed_at < ?) OR (dead = ? AND created_at < ?)",
			true, before, true, before).
		Limit(1000).
		Delete(&EventModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListByAggregate возвращает все события агрегата по времени создания.
func (r *repository) ListByAggregate(ctx context.Context, aggregateID string) ([]*Event, error) {
	var models []EventModel

	if err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	result := make([]*Event, len(models))
	for i := range models {
		result[i] = models[i].ToDomain()
	}
	return result, nil
}
