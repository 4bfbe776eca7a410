// Package discovery реализует реестр сервисов в памяти с фоновым health-пробингом.
// Endpoint'ы засеиваются из конфигурации при старте; фоновая проба раз в
// интервал опрашивает GET <url>/health и переключает флаг здоровья.
//
// Выбор endpoint'а: равномерно случайный среди здоровых. Если здоровых нет —
// возвращается первый сконфигурированный с флагом degraded, чтобы роутер мог
// пометить ответ как деградированный.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"example.com/delivery-platform/pkg/logger"
)

// ErrServiceUnknown — сервис с таким именем не зарегистрирован.
var ErrServiceUnknown = errors.New("сервис не зарегистрирован")

// Endpoint — один адрес сервиса.
type Endpoint struct {
	Service   string    // Логическое имя сервиса
	URL       string    // Базовый URL (http://host:port)
	Healthy   bool      // Результат последней пробы
	LastCheck time.Time // Время последней пробы
}

// Config — настройки реестра.
type Config struct {
	// ProbeInterval — период фоновых проб (по умолчанию 30s).
	ProbeInterval time.Duration

	// ProbeTimeout — таймаут одной пробы (по умолчанию 5s).
	ProbeTimeout time.Duration
}

// Registry — реестр сервисов. Все операции безопасны для конкурентного доступа.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string][]*Endpoint
	cfg       Config
	client    *http.Client
}

// NewRegistry создаёт реестр и засеивает его endpoint'ами из seed:
// имя сервиса → список URL. Новые endpoint'ы считаются здоровыми до первой пробы.
func NewRegistry(seed map[string][]string, cfg Config) *Registry {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	r := &Registry{
		endpoints: make(map[string][]*Endpoint),
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
	}

	for service, urls := range seed {
		for _, u := range urls {
			r.AddEndpoint(service, u)
		}
	}

	return r
}

// AddEndpoint регистрирует endpoint сервиса. Повторная регистрация
// того же URL — no-op.
func (r *Registry) AddEndpoint(service, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ep := range r.endpoints[service] {
		if ep.URL == url {
			return
		}
	}

	r.endpoints[service] = append(r.endpoints[service], &Endpoint{
		Service: service,
		URL:     url,
		Healthy: true,
	})

	logger.Info().
		Str("service", service).
		Str("url", url).
		Msg("Endpoint зарегистрирован")
}

// RemoveEndpoint убирает endpoint сервиса. Отсутствующий URL — no-op.
func (r *Registry) RemoveEndpoint(service, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps := r.endpoints[service]
	for i, ep := range eps {
		if ep.URL == url {
			r.endpoints[service] = append(eps[:i], eps[i+1:]...)
			logger.Info().
				Str("service", service).
				Str("url", url).
				Msg("Endpoint удалён")
			return
		}
	}
}

// Resolve возвращает URL для вызова сервиса.
// degraded=true означает, что здоровых endpoint'ов нет и возвращён
// первый сконфигурированный — вызов может не пройти.
func (r *Registry) Resolve(service string) (url string, degraded bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eps := r.endpoints[service]
	if len(eps) == 0 {
		return "", false, fmt.Errorf("%w: %s", ErrServiceUnknown, service)
	}

	healthy := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep.Healthy {
			healthy = append(healthy, ep)
		}
	}

	if len(healthy) == 0 {
		return eps[0].URL, true, nil
	}

	return healthy[rand.Intn(len(healthy))].URL, false, nil
}

// Snapshot возвращает копию всех endpoint'ов для наблюдения (admin/health).
func (r *Registry) Snapshot() map[string][]Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]Endpoint, len(r.endpoints))
	for service, eps := range r.endpoints {
		copies := make([]Endpoint, len(eps))
		for i, ep := range eps {
			copies[i] = *ep
		}
		result[service] = copies
	}
	return result
}

// RunProber запускает фоновый health-пробинг. Блокирует до отмены контекста.
func (r *Registry) RunProber(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("interval", r.cfg.ProbeInterval).
		Msg("Запуск health-пробинга сервисов")

	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка health-пробинга")
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll выполняет одну пробу всех endpoint'ов.
// Публичный для тестов и принудительного обновления.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*Endpoint, 0)
	for _, eps := range r.endpoints {
		targets = append(targets, eps...)
	}
	r.mu.RUnlock()

	for _, ep := range targets {
		healthy := r.probe(ctx, ep.URL)

		r.mu.Lock()
		changed := ep.Healthy != healthy
		ep.Healthy = healthy
		ep.LastCheck = time.Now()
		r.mu.Unlock()

		// Логируем только смену состояния, не каждую пробу
		if changed {
			if healthy {
				logger.Info().
					Str("service", ep.Service).
					Str("url", ep.URL).
					Msg("Endpoint восстановился")
			} else {
				logger.Warn().
					Str("service", ep.Service).
					Str("url", ep.URL).
					Msg("Endpoint не прошёл health-пробу")
			}
		}
	}
}

// probe выполняет GET <url>/health с таймаутом.
func (r *Registry) probe(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
