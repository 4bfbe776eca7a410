// Package proxy реализует Resilient Request Router: проксирование запросов
// к нижестоящим сервисам с кешированием, circuit breaker, повторными
// попытками и классификацией ошибок.
package proxy

import (
	"fmt"
)

// Классы ошибок проксирования. Попадают в метрики и error envelope.
const (
	ClassUpstream4xx = "upstream-4xx"
	ClassUpstream5xx = "upstream-5xx"
	ClassTimeout     = "timeout"
	ClassNetwork     = "network"
	ClassCircuitOpen = "circuit-open"
)

// Error — типизированная ошибка проксирования с сохранённым статусом upstream.
type Error struct {
	// Class — класс ошибки из фиксированного набора.
	Class string

	// StatusCode — статус ответа upstream, если он был получен (иначе 0).
	StatusCode int

	// Service — логическое имя сервиса назначения.
	Service string

	// Err — исходная ошибка.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("проксирование %s (%s): %v", e.Service, e.Class, e.Err)
	}
	return fmt.Sprintf("проксирование %s (%s): статус %d", e.Service, e.Class, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable возвращает true для классов, которые имеет смысл повторять.
// Открытый circuit breaker не повторяем: он не закроется за время
// retry-паузы, запрос должен сразу вернуть ошибку клиенту.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassTimeout, ClassNetwork, ClassUpstream5xx:
		return true
	}
	return false
}
