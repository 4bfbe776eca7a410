package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// Ключи для хранения значений в контексте.
// Приватный тип исключает коллизии с другими пакетами.
type ctxKey string

const (
	// correlationIDKey — ключ для correlation_id.
	// Correlation ID связывает все операции одного логического запроса
	// и передаётся сквозь все компоненты (заголовок X-Correlation-ID).
	correlationIDKey ctxKey = "correlation_id"

	// requestIDKey — ключ для request_id.
	// Request ID уникален для каждого входящего HTTP запроса (X-Request-ID).
	requestIDKey ctxKey = "request_id"

	// loggerKey — ключ для передачи настроенного логгера через context.
	loggerKey ctxKey = "logger"
)

// WithCorrelationID добавляет correlation_id в контекст.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext извлекает correlation_id из контекста.
// Возвращает пустую строку, если correlation_id не установлен.
func CorrelationIDFromContext(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// WithRequestID добавляет request_id в контекст.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext извлекает request_id из контекста.
// Возвращает пустую строку, если request_id не установлен.
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext извлекает логгер из контекста и автоматически добавляет
// correlation_id и request_id, если они присутствуют.
//
// Возвращает указатель по аналогии с log.Ctx из zerolog, чтобы вызовы
// уровней можно было цеплять прямо на результат:
//
//	logger.FromContext(ctx).Info().Str("order_id", orderID).Msg("Заказ создан")
func FromContext(ctx context.Context) *zerolog.Logger {
	var l zerolog.Logger
	if ctxLogger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		l = ctxLogger
	} else {
		l = log
	}

	if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
		l = l.With().Str("correlation_id", correlationID).Logger()
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		l = l.With().Str("request_id", requestID).Logger()
	}

	return &l
}

// NewContextWithIDs добавляет оба идентификатора в контекст за один вызов.
func NewContextWithIDs(ctx context.Context, correlationID, requestID string) context.Context {
	if correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}
	if requestID != "" {
		ctx = WithRequestID(ctx, requestID)
	}
	return ctx
}
