// Package circuitbreaker предоставляет реестр Circuit Breaker по именам сервисов.
// Защищает вызовы нижестоящих сервисов от каскадных сбоев: при недоступности
// сервиса запросы отклоняются мгновенно, без ожидания timeout.
//
// Состояния:
//   - Closed: нормальная работа, запросы проходят
//   - Open: сервис недоступен, запросы отклоняются с ErrCircuitOpen
//   - Half-Open: пробный период после cooldown, пропускаем часть запросов
//
// Использование:
//
//	reg := circuitbreaker.NewRegistry(circuitbreaker.DefaultSettings())
//	result, err := reg.Execute("order-service", func() (any, error) { ... })
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/delivery-platform/pkg/logger"
)

// ErrCircuitOpen — вызов отклонён без обращения к сервису: breaker открыт.
var ErrCircuitOpen = errors.New("circuit breaker открыт")

// State — состояние breaker для наблюдения снаружи.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Settings — настройки Circuit Breaker, общие для всех сервисов реестра.
type Settings struct {
	// FailureThreshold — число подряд идущих ошибок для перехода в Open.
	FailureThreshold int

	// SuccessThreshold — число подряд идущих успехов в Half-Open для закрытия.
	SuccessThreshold int

	// Cooldown — время в Open до перехода в Half-Open.
	Cooldown time.Duration
}

// DefaultSettings возвращает настройки по умолчанию:
// 5 ошибок подряд открывают breaker, 60 секунд cooldown,
// 3 успеха подряд в Half-Open закрывают.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         60 * time.Second,
	}
}

// Registry — реестр breaker'ов, по одному на имя сервиса.
// Breaker создаётся лениво при первом вызове и живёт до конца процесса.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	settings Settings
}

// NewRegistry создаёт новый реестр. В тестах допускается несколько
// независимых реестров с разными настройками.
func NewRegistry(s Settings) *Registry {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 3
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 60 * time.Second
	}

	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		settings: s,
	}
}

// Execute выполняет операцию под защитой breaker'а сервиса serviceName.
// Если breaker открыт — операция не вызывается, возвращается ErrCircuitOpen.
// Переходы состояний решаются в момент вызова и атомарны относительно
// конкурентных вызовов (гарантия gobreaker).
func (r *Registry) Execute(serviceName string, op func() (any, error)) (any, error) {
	cb := r.breaker(serviceName)

	result, err := cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State возвращает текущее состояние breaker'а сервиса.
// Для не встречавшегося сервиса breaker создаётся в состоянии Closed.
func (r *Registry) State(serviceName string) State {
	switch r.breaker(serviceName).State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// breaker возвращает breaker сервиса, создавая его при первом обращении.
func (r *Registry) breaker(serviceName string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[serviceName]; ok {
		return cb
	}

	s := r.settings
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name: serviceName,

		// В Half-Open нужно SuccessThreshold подряд идущих успехов для
		// закрытия; gobreaker закрывает breaker после MaxRequests успехов.
		MaxRequests: uint32(s.SuccessThreshold),

		// Interval=0: счётчики в Closed не сбрасываются по таймеру, только
		// успехом (нас интересуют именно подряд идущие ошибки).
		Interval: 0,

		// Timeout — cooldown в Open до перехода в Half-Open.
		Timeout: s.Cooldown,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.FailureThreshold)
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log := logger.With().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Logger()

			switch to {
			case gobreaker.StateOpen:
				log.Warn().Msg("Circuit Breaker ОТКРЫТ — сервис недоступен")
			case gobreaker.StateHalfOpen:
				log.Info().Msg("Circuit Breaker ПОЛУОТКРЫТ — пробуем восстановить")
			case gobreaker.StateClosed:
				log.Info().Msg("Circuit Breaker ЗАКРЫТ — сервис восстановлен")
			}
		},
	})

	r.breakers[serviceName] = cb
	return cb
}
