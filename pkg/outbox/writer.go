package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrUnknownEventType — тип события не входит в реестр.
var ErrUnknownEventType = fmt.Errorf("неизвестный тип события outbox")

// AppendParams — параметры записи события в outbox.
type AppendParams struct {
	Type          EventType
	AggregateID   string
	AggregateType string
	Payload       any // Сериализуется в JSON; nil → пустой объект
}

// Writer — API записи событий для бизнес-кода.
// Append ДОЛЖЕН вызываться внутри транзакции бизнес-записи:
// это и есть гарантия атомарности outbox pattern.
type Writer struct {
	repo Repository
}

// NewWriter создаёт Writer поверх репозитория outbox.
func NewWriter(repo Repository) *Writer {
	return &Writer{repo: repo}
}

// Append добавляет событие в outbox внутри переданной транзакции.
func (w *Writer) Append(ctx context.Context, tx *gorm.DB, params AppendParams) (*Event, error) {
	if !params.Type.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, params.Type)
	}

	payload := json.RawMessage("{}")
	if params.Payload != nil {
		data, err := json.Marshal(params.Payload)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации payload события %s: %w", params.Type, err)
		}
		payload = data
	}

	event := &Event{
		ID:            uuid.NewString(),
		Type:          params.Type,
		AggregateID:   params.AggregateID,
		AggregateType: params.AggregateType,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}

	if err := w.repo.Append(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("ошибка записи события %s в outbox: %w", params.Type, err)
	}

	return event, nil
}
