package saga

import (
	"context"
	"encoding/json"
	"time"
)

// StepContext — вход шага: идентификаторы саги и агрегата, данные саги,
// позиция шага и выход предыдущего шага.
type StepContext struct {
	SagaID        string
	AggregateID   string
	AggregateType string
	Data          json.RawMessage // Данные уровня саги
	StepIndex     int
	TotalSteps    int
	PrevOutput    json.RawMessage // Выход предыдущего шага (nil для первого)
	StepData      json.RawMessage // Ранее сохранённые данные этого шага (для компенсации)
	CorrelationID string
}

// Step — один шаг саги.
// Execute возвращает данные шага, которые сохраняются в записи шага
// и передаются следующему шагу как PrevOutput.
// Retry-политика живёт внутри шага (MaxRetries — его бюджет);
// координатор навешивает только таймаут через контекст.
type Step interface {
	// Name — уникальное имя шага внутри определения саги.
	Name() string

	// Timeout — дедлайн одного вызова Execute.
	Timeout() time.Duration

	// MaxRetries — бюджет повторов внутри Execute.
	MaxRetries() int

	// Execute выполняет шаг.
	Execute(ctx context.Context, sc *StepContext) (json.RawMessage, error)

	// Compensate откатывает ранее завершённый шаг.
	Compensate(ctx context.Context, sc *StepContext) error

	// CanCompensate сообщает, требуется ли компенсация этого шага.
	CanCompensate() bool
}

// Definition — зарегистрированное определение саги: тип, упорядоченные шаги,
// общий таймаут и лимит повторных запусков целиком.
// OnCompensated (опционально) вызывается после успешной компенсации —
// бизнес-слой фиксирует причину на агрегате.
type Definition struct {
	Type          string
	Steps         []Step
	Timeout       time.Duration
	MaxRetries    int
	OnCompensated func(ctx context.Context, s *Saga, reason string) error
}

// Definitions — реестр определений саг по типу.
type Definitions map[string]*Definition

// Register добавляет определение в реестр.
func (d Definitions) Register(def *Definition) {
	d[def.Type] = def
}

// Get возвращает определение по типу саги.
func (d Definitions) Get(sagaType string) (*Definition, bool) {
	def, ok := d[sagaType]
	return def, ok
}
