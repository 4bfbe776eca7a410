package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/metrics"
	"example.com/delivery-platform/pkg/outbox"
)

// =============================================================================
// Coordinator — координатор Saga-транзакций
// =============================================================================

// StartOptions — параметры старта саги.
type StartOptions struct {
	Type          string // Тип саги из реестра определений
	AggregateID   string
	AggregateType string
	Data          any // Данные уровня саги, сериализуются в JSON
}

// Coordinator управляет жизненным циклом саг.
// LocalCoordinator выполняет саги в этом процессе; RemoteCoordinator
// делегирует выделенному сервису оркестрации.
type Coordinator interface {
	// StartSaga создаёт запись саги и событие SAGA_STARTED внутри
	// переданной транзакции. Постановку в очередь выполняет Enqueue
	// ПОСЛЕ коммита транзакции.
	StartSaga(ctx context.Context, tx *gorm.DB, opts StartOptions) (*Saga, error)

	// Enqueue ставит сагу в очередь выполнения.
	Enqueue(sagaID string)

	// ExecuteSaga выполняет шаги саги. Повторный вызов для терминальной
	// саги — no-op.
	ExecuteSaga(ctx context.Context, sagaID string) error

	// CancelSaga отменяет сагу извне, компенсируя завершённые шаги.
	CancelSaga(ctx context.Context, sagaID, reason string) error

	// GetSaga возвращает сагу по ID.
	GetSaga(ctx context.Context, sagaID string) (*Saga, error)

	// ListFailed возвращает саги на карантине для разбора.
	ListFailed(ctx context.Context, limit int) ([]*Saga, error)
}

// lockShards — количество шардов блокировок по saga id.
const lockShards = 64

// LocalCoordinator — координатор, выполняющий саги в текущем процессе.
type LocalCoordinator struct {
	db     *gorm.DB
	repo   Repository
	writer *outbox.Writer
	defs   Definitions
	queue  *Queue

	// locks сериализуют исполнителя и внешнюю отмену по saga id:
	// очередь гарантирует одного исполнителя, но CancelSaga приходит
	// из HTTP-обработчика мимо очереди.
	locks [lockShards]sync.Mutex
}

// NewLocalCoordinator создаёт координатор с собственной очередью выполнения.
func NewLocalCoordinator(db *gorm.DB, repo Repository, writer *outbox.Writer, defs Definitions, workers int) *LocalCoordinator {
	c := &LocalCoordinator{
		db:     db,
		repo:   repo,
		writer: writer,
		defs:   defs,
	}
	c.queue = NewQueue(workers, func(ctx context.Context, sagaID string) {
		if err := c.ExecuteSaga(ctx, sagaID); err != nil {
			logger.FromContext(ctx).Error().Err(err).Str("saga_id", sagaID).Msg("Ошибка выполнения саги")
		}
	})
	return c
}

// Run запускает очередь выполнения. Блокирует до отмены контекста.
func (c *LocalCoordinator) Run(ctx context.Context) {
	c.queue.Run(ctx)
}

// StartSaga создаёт запись саги и событие SAGA_STARTED в транзакции вызывающего.
func (c *LocalCoordinator) StartSaga(ctx context.Context, tx *gorm.DB, opts StartOptions) (*Saga, error) {
	return createSaga(ctx, tx, c.repo, c.writer, c.defs, opts)
}

// createSaga создаёт запись саги и событие SAGA_STARTED внутри транзакции.
// Общая для локального и удалённого координаторов: запись саги всегда
// делается атомарно с агрегатом вызывающего.
func createSaga(ctx context.Context, tx *gorm.DB, repo Repository, writer *outbox.Writer, defs Definitions, opts StartOptions) (*Saga, error) {
	def, ok := defs.Get(opts.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, opts.Type)
	}

	var data json.RawMessage
	if opts.Data != nil {
		encoded, err := json.Marshal(opts.Data)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации данных саги: %w", err)
		}
		data = encoded
	}

	now := time.Now()
	steps := make([]StepRecord, len(def.Steps))
	for i, step := range def.Steps {
		steps[i] = StepRecord{Name: step.Name(), Status: StepStatusPending}
	}

	saga := &Saga{
		ID:            uuid.NewString(),
		Type:          opts.Type,
		AggregateID:   opts.AggregateID,
		AggregateType: opts.AggregateType,
		Data:          data,
		Steps:         steps,
		CurrentStep:   0,
		TotalSteps:    len(def.Steps),
		Status:        StatusStarted,
		MaxRetries:    def.MaxRetries,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := repo.Create(ctx, tx, saga); err != nil {
		return nil, err
	}

	_, err := writer.Append(ctx, tx, outbox.AppendParams{
		Type:          outbox.EventSagaStarted,
		AggregateID:   saga.AggregateID,
		AggregateType: saga.AggregateType,
		Payload: map[string]any{
			"sagaId":   saga.ID,
			"sagaType": saga.Type,
		},
	})
	if err != nil {
		return nil, err
	}

	return saga, nil
}

// Enqueue ставит сагу в очередь выполнения.
func (c *LocalCoordinator) Enqueue(sagaID string) {
	c.queue.Enqueue(sagaID)
}

// ExecuteSaga выполняет шаги саги начиная с текущего.
// Очередь гарантирует одного исполнителя на saga id.
func (c *LocalCoordinator) ExecuteSaga(ctx context.Context, sagaID string) error {
	mu := c.lockFor(sagaID)
	mu.Lock()
	defer mu.Unlock()

	log := logger.FromContext(ctx)

	saga, err := c.repo.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}

	// Повторный запуск терминальной саги — no-op
	if saga.Status.IsTerminal() {
		return nil
	}

	def, ok := c.defs.Get(saga.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSagaType, saga.Type)
	}

	// Сага, прерванная посреди компенсации, продолжает компенсацию
	if saga.Status == StatusCompensating {
		reason := "компенсация возобновлена после прерывания"
		if saga.FailureReason != nil {
			reason = *saga.FailureReason
		}
		return c.compensateSteps(ctx, saga, def, reason)
	}

	// Общий дедлайн саги. Компенсация при его истечении идёт
	// на исходном контексте, иначе откат не успел бы выполниться.
	baseCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	if saga.Status == StatusStarted {
		if err := saga.TransitionTo(StatusInProgress); err != nil {
			return err
		}
		if err := c.repo.Update(ctx, nil, saga); err != nil {
			return err
		}
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("saga_type", saga.Type).
		Int("current_step", saga.CurrentStep).
		Msg("Выполнение саги")

	for i := saga.CurrentStep; i < saga.TotalSteps; i++ {
		step := def.Steps[i]
		sc := c.stepContext(ctx, saga, i)

		output, err := c.executeStep(ctx, step, sc)
		if err != nil {
			log.Error().
				Err(err).
				Str("saga_id", saga.ID).
				Str("step", step.Name()).
				Msg("Шаг саги завершился ошибкой, запуск компенсации")

			saga.RecordStepFailed(i, err)
			if updErr := c.repo.Update(baseCtx, nil, saga); updErr != nil {
				return updErr
			}
			return c.compensate(baseCtx, saga, def, fmt.Sprintf("шаг %s: %v", step.Name(), err))
		}

		saga.RecordStepCompleted(i, output)
		if err := c.repo.Update(ctx, nil, saga); err != nil {
			return err
		}

		log.Info().
			Str("saga_id", saga.ID).
			Str("step", step.Name()).
			Msg("Шаг саги завершён")
	}

	// Все шаги прошли: терминальное Completed + событие в одной транзакции
	if err := saga.TransitionTo(StatusCompleted); err != nil {
		return err
	}

	err = c.db.Transaction(func(tx *gorm.DB) error {
		if err := c.repo.Update(ctx, tx, saga); err != nil {
			return err
		}
		_, err := c.writer.Append(ctx, tx, outbox.AppendParams{
			Type:          outbox.EventSagaCompleted,
			AggregateID:   saga.AggregateID,
			AggregateType: saga.AggregateType,
			Payload:       map[string]any{"sagaId": saga.ID, "sagaType": saga.Type},
		})
		return err
	})
	if err != nil {
		return err
	}

	metrics.SagasTotal.WithLabelValues(saga.Type, string(StatusCompleted)).Inc()
	log.Info().Str("saga_id", saga.ID).Msg("Сага завершена успешно")
	return nil
}

// executeStep выполняет шаг под его таймаутом.
func (c *LocalCoordinator) executeStep(ctx context.Context, step Step, sc *StepContext) (json.RawMessage, error) {
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	output, err := step.Execute(stepCtx, sc)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("таймаут шага %s (%s): %w", step.Name(), step.Timeout(), err)
		}
		return nil, err
	}
	return output, nil
}

// compensate откатывает завершённые шаги в обратном порядке.
// Ошибка компенсации переводит сагу в Failed (карантин).
func (c *LocalCoordinator) compensate(ctx context.Context, saga *Saga, def *Definition, reason string) error {
	if err := saga.TransitionTo(StatusCompensating); err != nil {
		return err
	}
	saga.FailureReason = &reason
	if err := c.repo.Update(ctx, nil, saga); err != nil {
		return err
	}

	return c.compensateSteps(ctx, saga, def, reason)
}

// compensateSteps выполняет компенсации саги, уже находящейся
// в состоянии Compensating. Вынесен отдельно, чтобы восстановление
// после рестарта могло продолжить прерванную компенсацию.
func (c *LocalCoordinator) compensateSteps(ctx context.Context, saga *Saga, def *Definition, reason string) error {
	log := logger.FromContext(ctx)

	// Завершённые шаги компенсируются в обратном порядке выполнения
	for i := len(saga.Steps) - 1; i >= 0; i-- {
		if saga.Steps[i].Status != StepStatusCompleted {
			continue
		}

		step := def.Steps[i]
		if !step.CanCompensate() {
			continue
		}

		sc := c.stepContext(ctx, saga, i)
		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
		err := step.Compensate(stepCtx, sc)
		cancel()

		if err != nil {
			// Карантин: компенсация не прошла, требуется ручной разбор
			log.Error().
				Err(err).
				Str("saga_id", saga.ID).
				Str("step", step.Name()).
				Msg("Компенсация шага не удалась, сага на карантине")

			return c.quarantine(ctx, saga, fmt.Sprintf("компенсация %s: %v", step.Name(), err))
		}

		if err := saga.RecordStepCompensated(i); err != nil {
			return err
		}
		if err := c.repo.Update(ctx, nil, saga); err != nil {
			return err
		}

		log.Info().
			Str("saga_id", saga.ID).
			Str("step", step.Name()).
			Msg("Шаг саги компенсирован")
	}

	if err := saga.TransitionTo(StatusCompensated); err != nil {
		return err
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := c.repo.Update(ctx, tx, saga); err != nil {
			return err
		}
		_, err := c.writer.Append(ctx, tx, outbox.AppendParams{
			Type:          outbox.EventSagaCompensated,
			AggregateID:   saga.AggregateID,
			AggregateType: saga.AggregateType,
			Payload: map[string]any{
				"sagaId": saga.ID,
				"reason": reason,
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	if def.OnCompensated != nil {
		if err := def.OnCompensated(ctx, saga, reason); err != nil {
			log.Error().Err(err).Str("saga_id", saga.ID).Msg("Ошибка обработчика компенсации саги")
		}
	}

	metrics.SagasTotal.WithLabelValues(saga.Type, string(StatusCompensated)).Inc()
	log.Warn().Str("saga_id", saga.ID).Str("reason", reason).Msg("Сага компенсирована")
	return nil
}

// quarantine помечает сагу фатально неудачной и публикует SAGA_FAILED.
func (c *LocalCoordinator) quarantine(ctx context.Context, saga *Saga, reason string) error {
	if err := saga.Fail(reason); err != nil {
		return err
	}
	return c.persistFailed(ctx, saga, reason)
}

// persistFailed сохраняет карантинное состояние и публикует SAGA_FAILED.
func (c *LocalCoordinator) persistFailed(ctx context.Context, saga *Saga, reason string) error {
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := c.repo.Update(ctx, tx, saga); err != nil {
			return err
		}
		_, err := c.writer.Append(ctx, tx, outbox.AppendParams{
			Type:          outbox.EventSagaFailed,
			AggregateID:   saga.AggregateID,
			AggregateType: saga.AggregateType,
			Payload: map[string]any{
				"sagaId": saga.ID,
				"reason": reason,
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	metrics.SagasTotal.WithLabelValues(saga.Type, string(StatusFailed)).Inc()
	return nil
}

// CancelSaga отменяет сагу извне.
// Завершённые шаги компенсируются; сага без завершённых шагов
// просто переводится в Cancelled.
func (c *LocalCoordinator) CancelSaga(ctx context.Context, sagaID, reason string) error {
	// Отмена ждёт, пока исполнитель этой саги отпустит блокировку:
	// одновременно с шагами компенсация бежать не должна
	mu := c.lockFor(sagaID)
	mu.Lock()
	defer mu.Unlock()

	saga, err := c.repo.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if saga.Status.IsTerminal() {
		return ErrSagaTerminal
	}

	hasCompleted := false
	for i := range saga.Steps {
		if saga.Steps[i].Status == StepStatusCompleted {
			hasCompleted = true
			break
		}
	}

	if hasCompleted {
		def, ok := c.defs.Get(saga.Type)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSagaType, saga.Type)
		}
		// Компенсация требует состояния InProgress
		if saga.Status == StatusStarted {
			if err := saga.TransitionTo(StatusInProgress); err != nil {
				return err
			}
		}
		return c.compensate(ctx, saga, def, reason)
	}

	if err := saga.Cancel(reason); err != nil {
		return err
	}
	if err := c.repo.Update(ctx, nil, saga); err != nil {
		return err
	}

	metrics.SagasTotal.WithLabelValues(saga.Type, string(StatusCancelled)).Inc()
	return nil
}

// RecoverPending возвращает в очередь саги, не дошедшие до терминального
// состояния — например, оставшиеся после рестарта сервиса. Сага,
// исчерпавшая лимит повторных запусков, уходит на карантин вместо
// бесконечного цикла перезапусков.
func (c *LocalCoordinator) RecoverPending(ctx context.Context, limit int) (int, error) {
	log := logger.FromContext(ctx)

	sagas, err := c.repo.ListUnfinished(ctx, limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, s := range sagas {
		if s.RetryCount >= s.MaxRetries {
			reason := fmt.Sprintf("лимит повторных запусков саги исчерпан (%d)", s.MaxRetries)
			if err := s.Abort(reason); err != nil {
				log.Error().Err(err).Str("saga_id", s.ID).Msg("Ошибка перевода саги на карантин при восстановлении")
				continue
			}
			if err := c.persistFailed(ctx, s, reason); err != nil {
				log.Error().Err(err).Str("saga_id", s.ID).Msg("Ошибка сохранения карантина саги")
			}
			continue
		}

		s.RetryCount++
		if err := c.repo.Update(ctx, nil, s); err != nil {
			log.Error().Err(err).Str("saga_id", s.ID).Msg("Ошибка обновления счётчика запусков саги")
			continue
		}
		c.queue.Enqueue(s.ID)
		requeued++
	}

	if len(sagas) > 0 {
		log.Info().
			Int("found", len(sagas)).
			Int("requeued", requeued).
			Msg("Восстановление незавершённых саг")
	}
	return requeued, nil
}

// GetSaga возвращает сагу по ID.
func (c *LocalCoordinator) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	return c.repo.GetByID(ctx, sagaID)
}

// ListFailed возвращает саги на карантине.
func (c *LocalCoordinator) ListFailed(ctx context.Context, limit int) ([]*Saga, error) {
	return c.repo.ListByStatus(ctx, StatusFailed, limit)
}

// lockFor возвращает блокировку шарда для saga id.
// Хеш тот же, что у очереди: fnv32a по идентификатору.
func (c *LocalCoordinator) lockFor(sagaID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sagaID))
	return &c.locks[h.Sum32()%lockShards]
}

// stepContext собирает вход шага из состояния саги.
func (c *LocalCoordinator) stepContext(ctx context.Context, saga *Saga, index int) *StepContext {
	sc := &StepContext{
		SagaID:        saga.ID,
		AggregateID:   saga.AggregateID,
		AggregateType: saga.AggregateType,
		Data:          saga.Data,
		StepIndex:     index,
		TotalSteps:    saga.TotalSteps,
		StepData:      saga.Steps[index].Data,
		CorrelationID: logger.CorrelationIDFromContext(ctx),
	}
	if index > 0 {
		sc.PrevOutput = saga.Steps[index-1].Data
	}
	return sc
}
