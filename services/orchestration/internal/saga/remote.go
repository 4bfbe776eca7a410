package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gorm.io/gorm"

	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/outbox"
)

// RemoteCoordinator делегирует выполнение саг выделенному сервису
// оркестрации по HTTP. Используется при SAGA_BACKEND=remote, когда
// несколько реплик оркестрации выносят очередь выполнения из процесса.
// Запись саги и событие SAGA_STARTED при этом создаются локально,
// в транзакции вызывающего: сервисы делят одну БД, удалённая сторона
// только выполняет шаги.
type RemoteCoordinator struct {
	baseURL string
	client  *http.Client
	repo    Repository
	writer  *outbox.Writer
	defs    Definitions
}

// NewRemoteCoordinator создаёт удалённый координатор.
func NewRemoteCoordinator(baseURL string, timeout time.Duration, repo Repository, writer *outbox.Writer, defs Definitions) *RemoteCoordinator {
	return &RemoteCoordinator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		repo:    repo,
		writer:  writer,
		defs:    defs,
	}
}

// remoteSaga — представление саги в API удалённого координатора.
type remoteSaga struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Data          json.RawMessage `json:"data,omitempty"`
	Steps         []StepRecord    `json:"steps"`
	CurrentStep   int             `json:"currentStep"`
	TotalSteps    int             `json:"totalSteps"`
	Status        Status          `json:"status"`
	FailureReason *string         `json:"failureReason,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
}

func (r *remoteSaga) toDomain() *Saga {
	return &Saga{
		ID:            r.ID,
		Type:          r.Type,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		Data:          r.Data,
		Steps:         r.Steps,
		CurrentStep:   r.CurrentStep,
		TotalSteps:    r.TotalSteps,
		Status:        r.Status,
		FailureReason: r.FailureReason,
		StartedAt:     r.StartedAt,
	}
}

// StartSaga создаёт запись саги и событие SAGA_STARTED в транзакции
// вызывающего — так же, как локальный координатор. Удалённая сторона
// узнаёт о саге при Enqueue и читает её из общей БД по id.
func (r *RemoteCoordinator) StartSaga(ctx context.Context, tx *gorm.DB, opts StartOptions) (*Saga, error) {
	return createSaga(ctx, tx, r.repo, r.writer, r.defs, opts)
}

// Enqueue запускает выполнение саги на удалённом координаторе.
func (r *RemoteCoordinator) Enqueue(sagaID string) {
	// Постановка в очередь асинхронная, как и у локальной реализации
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout)
		defer cancel()

		if err := r.ExecuteSaga(ctx, sagaID); err != nil {
			logger.Error().Err(err).Str("saga_id", sagaID).Msg("Ошибка постановки саги на удалённом координаторе")
		}
	}()
}

// ExecuteSaga запускает выполнение саги.
func (r *RemoteCoordinator) ExecuteSaga(ctx context.Context, sagaID string) error {
	return r.do(ctx, http.MethodPost, "/api/v1/sagas/"+sagaID+"/execute", nil, nil)
}

// CancelSaga отменяет сагу.
func (r *RemoteCoordinator) CancelSaga(ctx context.Context, sagaID, reason string) error {
	return r.do(ctx, http.MethodPost, "/api/v1/sagas/"+sagaID+"/cancel", map[string]string{"reason": reason}, nil)
}

// GetSaga возвращает сагу по ID.
func (r *RemoteCoordinator) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	var result remoteSaga
	if err := r.do(ctx, http.MethodGet, "/api/v1/sagas/"+sagaID, nil, &result); err != nil {
		return nil, err
	}
	return result.toDomain(), nil
}

// ListFailed возвращает саги на карантине.
func (r *RemoteCoordinator) ListFailed(ctx context.Context, limit int) ([]*Saga, error) {
	var results []remoteSaga
	if err := r.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/sagas/failed?limit=%d", limit), nil, &results); err != nil {
		return nil, err
	}

	sagas := make([]*Saga, len(results))
	for i := range results {
		sagas[i] = results[i].toDomain()
	}
	return sagas, nil
}

// do выполняет HTTP запрос к удалённому координатору.
func (r *RemoteCoordinator) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ошибка сериализации запроса: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка вызова удалённого координатора: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrSagaNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("удалённый координатор вернул статус %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("ошибка декодирования ответа координатора: %w", err)
		}
	}
	return nil
}
