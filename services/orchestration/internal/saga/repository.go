package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// GORM модели
// =============================================================================

// SagaModel — GORM модель для таблицы sagas.
// Записи шагов и данные саги лежат в JSON колонках.
type SagaModel struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey"`
	SagaType      string     `gorm:"column:saga_type;type:varchar(50);not null"`
	AggregateID   string     `gorm:"column:aggregate_id;type:varchar(36);not null;index"`
	AggregateType string     `gorm:"column:aggregate_type;type:varchar(50);not null"`
	Data          []byte     `gorm:"column:data;type:json"`
	Steps         []byte     `gorm:"column:steps;type:json;not null"`
	CurrentStep   int        `gorm:"column:current_step;not null;default:0"`
	TotalSteps    int        `gorm:"column:total_steps;not null"`
	Status        string     `gorm:"column:status;type:varchar(20);not null;index:idx_sagas_status_created,priority:1"`
	FailureReason *string    `gorm:"column:failure_reason;type:text"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetries    int        `gorm:"column:max_retries;not null;default:3"`
	StartedAt     time.Time  `gorm:"column:started_at"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	FailedAt      *time.Time `gorm:"column:failed_at"`
	CompensatedAt *time.Time `gorm:"column:compensated_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime;index:idx_sagas_status_created,priority:2"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (SagaModel) TableName() string {
	return "sagas"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *SagaModel) toDomain() (*Saga, error) {
	var steps []StepRecord
	if len(m.Steps) > 0 {
		if err := json.Unmarshal(m.Steps, &steps); err != nil {
			return nil, fmt.Errorf("ошибка десериализации шагов саги %s: %w", m.ID, err)
		}
	}

	return &Saga{
		ID:            m.ID,
		Type:          m.SagaType,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		Data:          m.Data,
		Steps:         steps,
		CurrentStep:   m.CurrentStep,
		TotalSteps:    m.TotalSteps,
		Status:        Status(m.Status),
		FailureReason: m.FailureReason,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		FailedAt:      m.FailedAt,
		CompensatedAt: m.CompensatedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

// modelFromDomain конвертирует доменную сущность в GORM модель.
func modelFromDomain(s *Saga) (*SagaModel, error) {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации шагов саги %s: %w", s.ID, err)
	}

	return &SagaModel{
		ID:            s.ID,
		SagaType:      s.Type,
		AggregateID:   s.AggregateID,
		AggregateType: s.AggregateType,
		Data:          s.Data,
		Steps:         steps,
		CurrentStep:   s.CurrentStep,
		TotalSteps:    s.TotalSteps,
		Status:        string(s.Status),
		FailureReason: s.FailureReason,
		RetryCount:    s.RetryCount,
		MaxRetries:    s.MaxRetries,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
		FailedAt:      s.FailedAt,
		CompensatedAt: s.CompensatedAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}, nil
}

// =============================================================================
// Репозиторий
// =============================================================================

// Repository определяет методы работы с сагами в БД.
type Repository interface {
	// Create создаёт сагу внутри переданной транзакции
	// (атомарно с заказом и событием SAGA_STARTED).
	Create(ctx context.Context, tx *gorm.DB, saga *Saga) error

	// GetByID возвращает сагу по ID.
	GetByID(ctx context.Context, sagaID string) (*Saga, error)

	// GetByAggregateID возвращает последнюю сагу агрегата.
	GetByAggregateID(ctx context.Context, aggregateID string) (*Saga, error)

	// Update сохраняет текущее состояние саги.
	// tx может быть nil — тогда пишем вне транзакции.
	Update(ctx context.Context, tx *gorm.DB, saga *Saga) error

	// ListByStatus возвращает саги в указанном статусе (новые первыми).
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Saga, error)

	// ListUnfinished возвращает нетерминальные саги (старые первыми)
	// для восстановления после рестарта сервиса.
	ListUnfinished(ctx context.Context, limit int) ([]*Saga, error)
}

// repository — GORM реализация Repository.
type repository struct {
	db *gorm.DB
}

// NewRepository создаёт репозиторий саг.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Create создаёт сагу внутри переданной транзакции.
func (r *repository) Create(ctx context.Context, tx *gorm.DB, saga *Saga) error {
	model, err := modelFromDomain(saga)
	if err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("ошибка создания саги: %w", err)
	}
	saga.CreatedAt = model.CreatedAt
	return nil
}

// GetByID возвращает сагу по ID.
func (r *repository) GetByID(ctx context.Context, sagaID string) (*Saga, error) {
	var model SagaModel

	err := r.db.WithContext(ctx).Where("id = ?", sagaID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("ошибка получения саги: %w", err)
	}

	return model.toDomain()
}

// GetByAggregateID возвращает последнюю сагу агрегата.
func (r *repository) GetByAggregateID(ctx context.Context, aggregateID string) (*Saga, error) {
	var model SagaModel

	err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("ошибка получения саги агрегата: %w", err)
	}

	return model.toDomain()
}

// Update сохраняет текущее состояние саги.
func (r *repository) Update(ctx context.Context, tx *gorm.DB, saga *Saga) error {
	db := tx
	if db == nil {
		db = r.db
	}

	model, err := modelFromDomain(saga)
	if err != nil {
		return err
	}

	result := db.WithContext(ctx).Model(&SagaModel{}).
		Where("id = ?", saga.ID).
		Updates(map[string]any{
			"data":           model.Data,
			"steps":          model.Steps,
			"current_step":   model.CurrentStep,
			"status":         model.Status,
			"failure_reason": model.FailureReason,
			"retry_count":    model.RetryCount,
			"completed_at":   model.CompletedAt,
			"failed_at":      model.FailedAt,
			"compensated_at": model.CompensatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("ошибка обновления саги: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSagaNotFound
	}
	return nil
}

// ListByStatus возвращает саги в указанном статусе.
func (r *repository) ListByStatus(ctx context.Context, status Status, limit int) ([]*Saga, error) {
	var models []SagaModel

	if err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения саг по статусу: %w", err)
	}

	return sagasFromModels(models)
}

// ListUnfinished возвращает нетерминальные саги, старые первыми.
func (r *repository) ListUnfinished(ctx context.Context, limit int) ([]*Saga, error) {
	var models []SagaModel

	statuses := []string{
		string(StatusStarted),
		string(StatusInProgress),
		string(StatusCompensating),
	}
	if err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения незавершённых саг: %w", err)
	}

	return sagasFromModels(models)
}

func sagasFromModels(models []SagaModel) ([]*Saga, error) {
	sagas := make([]*Saga, len(models))
	for i := range models {
		saga, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		sagas[i] = saga
	}
	return sagas, nil
}
