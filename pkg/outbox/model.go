package outbox

import "time"

// EventModel — GORM модель для таблицы outbox_events.
type EventModel struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey"`
	EventType     string     `gorm:"column:event_type;type:varchar(100);not null"`
	AggregateID   string     `gorm:"column:aggregate_id;type:varchar(36);not null;index:idx_outbox_aggregate"`
	AggregateType string     `gorm:"column:aggregate_type;type:varchar(50);not null;index:idx_outbox_aggregate"`
	Payload       []byte     `gorm:"column:payload;type:json;not null"`
	Processed     bool       `gorm:"column:processed;not null;default:false;index:idx_outbox_pending,priority:1"`
	ProcessedAt   *time.Time `gorm:"column:processed_at"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0"`
	LastError     *string    `gorm:"column:last_error;type:text"`
	NextAttemptAt *time.Time `gorm:"column:next_attempt_at;index"`
	Dead          bool       `gorm:"column:dead;not null;default:false"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime;index:idx_outbox_pending,priority:2"`
}

// TableName возвращает имя таблицы в БД.
func (EventModel) TableName() string {
	return "outbox_events"
}

// ToDomain конвертирует GORM модель в доменную сущность.
func (m *EventModel) ToDomain() *Event {
	return &Event{
		ID:            m.ID,
		Type:          EventType(m.EventType),
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		Payload:       m.Payload,
		Processed:     m.Processed,
		ProcessedAt:   m.ProcessedAt,
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
		NextAttemptAt: m.NextAttemptAt,
		Dead:          m.Dead,
		CreatedAt:     m.CreatedAt,
	}
}

// ModelFromDomain конвертирует доменную сущность в GORM модель.
func ModelFromDomain(e *Event) *EventModel {
	return &EventModel{
		ID:            e.ID,
		EventType:     string(e.Type),
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       e.Payload,
		Processed:     e.Processed,
		ProcessedAt:   e.ProcessedAt,
		RetryCount:    e.RetryCount,
		LastError:     e.LastError,
		NextAttemptAt: e.NextAttemptAt,
		Dead:          e.Dead,
		CreatedAt:     e.CreatedAt,
	}
}
