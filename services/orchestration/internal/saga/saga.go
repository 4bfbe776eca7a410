// Package saga реализует Saga Orchestration для распределённых транзакций
// обработки заказа. Координатор выполняет упорядоченные шаги
// (ReserveInventory → BookPartner → ConfirmOrder); при ошибке любого шага
// завершённые шаги компенсируются в обратном порядке.
package saga

import (
	"encoding/json"
	"errors"
	"time"
)

// =============================================================================
// Состояния Saga
// =============================================================================

// Status — состояние саги в state machine.
type Status string

const (
	// StatusStarted — сага создана, выполнение ещё не началось.
	StatusStarted Status = "Started"

	// StatusInProgress — шаги выполняются.
	StatusInProgress Status = "InProgress"

	// StatusCompleted — все шаги завершены успешно. Терминальное.
	StatusCompleted Status = "Completed"

	// StatusCompensating — шаг упал, выполняются компенсации.
	StatusCompensating Status = "Compensating"

	// StatusCompensated — все компенсации прошли. Терминальное.
	StatusCompensated Status = "Compensated"

	// StatusFailed — компенсация упала, сага на карантине для разбора. Терминальное.
	StatusFailed Status = "Failed"

	// StatusCancelled — сага отменена извне. Терминальное.
	StatusCancelled Status = "Cancelled"
)

// IsTerminal возвращает true, если сага в финальном состоянии.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// allowedTransitions определяет допустимые переходы состояний.
// Cancelled доступен из любого нетерминального состояния (внешняя отмена).
var allowedTransitions = map[Status][]Status{
	StatusStarted:      {StatusInProgress},
	StatusInProgress:   {StatusCompleted, StatusCompensating},
	StatusCompensating: {StatusCompensated, StatusFailed},
}

// =============================================================================
// Статусы шагов
// =============================================================================

// StepStatus — состояние отдельного шага саги.
type StepStatus string

const (
	StepStatusPending     StepStatus = "Pending"
	StepStatusCompleted   StepStatus = "Completed"
	StepStatusFailed      StepStatus = "Failed"
	StepStatusCompensated StepStatus = "Compensated"
)

// StepRecord — запись о выполнении одного шага.
type StepRecord struct {
	Name          string          `json:"name"`
	Status        StepStatus      `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	LastError     *string         `json:"lastError,omitempty"`
	RetryCount    int             `json:"retryCount"`
	ExecutedAt    *time.Time      `json:"executedAt,omitempty"`
	CompensatedAt *time.Time      `json:"compensatedAt,omitempty"`
}

// =============================================================================
// Saga — доменная сущность
// =============================================================================

// Типы саг (закрытый реестр).
const (
	TypeOrderProcessing = "ORDER_PROCESSING"
)

// Ошибки state machine саги.
var (
	ErrSagaNotFound      = errors.New("сага не найдена")
	ErrInvalidTransition = errors.New("недопустимый переход состояния саги")
	ErrSagaTerminal      = errors.New("сага уже в терминальном состоянии")
	ErrUnknownSagaType   = errors.New("неизвестный тип саги")
)

// Saga — персистентное состояние распределённой транзакции.
type Saga struct {
	ID            string          // UUID саги
	Type          string          // Тип из закрытого реестра (ORDER_PROCESSING)
	AggregateID   string          // ID агрегата (order_id)
	AggregateType string          // Тип агрегата (order)
	Data          json.RawMessage // Данные уровня саги (вход для шагов)
	Steps         []StepRecord    // Записи шагов в порядке выполнения
	CurrentStep   int             // Индекс следующего шага
	TotalSteps    int             // Всего шагов
	Status        Status          // Текущее состояние
	FailureReason *string         // Причина ошибки
	RetryCount    int             // Количество повторных запусков саги целиком
	MaxRetries    int             // Лимит повторных запусков
	StartedAt     time.Time       // Время старта
	CompletedAt   *time.Time      // Время успешного завершения
	FailedAt      *time.Time      // Время фатальной ошибки
	CompensatedAt *time.Time      // Время завершения компенсации
	CreatedAt     time.Time       // Время создания записи
	UpdatedAt     time.Time       // Время последнего обновления
}

// CanTransitionTo проверяет, допустим ли переход в указанное состояние.
func (s *Saga) CanTransitionTo(next Status) bool {
	if next == StatusCancelled {
		return !s.Status.IsTerminal()
	}
	for _, allowed := range allowedTransitions[s.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo выполняет переход в новое состояние.
func (s *Saga) TransitionTo(next Status) error {
	if s.Status.IsTerminal() {
		return ErrSagaTerminal
	}
	if !s.CanTransitionTo(next) {
		return ErrInvalidTransition
	}

	s.Status = next
	now := time.Now()
	s.UpdatedAt = now

	switch next {
	case StatusCompleted:
		s.CompletedAt = &now
	case StatusFailed:
		s.FailedAt = &now
	case StatusCompensated:
		s.CompensatedAt = &now
	}
	return nil
}

// RecordStepCompleted фиксирует успешное выполнение шага и продвигает
// текущий индекс.
func (s *Saga) RecordStepCompleted(index int, data json.RawMessage) {
	now := time.Now()
	s.Steps[index].Status = StepStatusCompleted
	s.Steps[index].Data = data
	s.Steps[index].LastError = nil
	s.Steps[index].ExecutedAt = &now
	s.CurrentStep = index + 1
	s.UpdatedAt = now
}

// RecordStepFailed фиксирует ошибку шага.
func (s *Saga) RecordStepFailed(index int, cause error) {
	now := time.Now()
	errStr := cause.Error()
	s.Steps[index].Status = StepStatusFailed
	s.Steps[index].LastError = &errStr
	s.Steps[index].ExecutedAt = &now
	s.UpdatedAt = now
}

// RecordStepCompensated фиксирует компенсацию завершённого шага.
// Компенсировать можно только Completed шаг.
func (s *Saga) RecordStepCompensated(index int) error {
	if s.Steps[index].Status != StepStatusCompleted {
		return ErrInvalidTransition
	}
	now := time.Now()
	s.Steps[index].Status = StepStatusCompensated
	s.Steps[index].CompensatedAt = &now
	s.UpdatedAt = now
	return nil
}

// Fail помечает сагу как фатально неудачную (карантин).
func (s *Saga) Fail(reason string) error {
	if err := s.TransitionTo(StatusFailed); err != nil {
		return err
	}
	s.FailureReason = &reason
	return nil
}

// Abort принудительно переводит сагу в Failed из любого нетерминального
// состояния, минуя компенсацию. Используется восстановлением после
// рестарта, когда лимит повторных запусков исчерпан и продолжать
// автоматически небезопасно.
func (s *Saga) Abort(reason string) error {
	if s.Status.IsTerminal() {
		return ErrSagaTerminal
	}
	s.Status = StatusFailed
	now := time.Now()
	s.FailedAt = &now
	s.UpdatedAt = now
	s.FailureReason = &reason
	return nil
}

// Cancel отменяет сагу извне.
func (s *Saga) Cancel(reason string) error {
	if s.Status.IsTerminal() {
		return ErrSagaTerminal
	}
	s.Status = StatusCancelled
	now := time.Now()
	s.UpdatedAt = now
	if reason != "" {
		s.FailureReason = &reason
	}
	return nil
}
