// Package metrics предоставляет Prometheus метрики для всех сервисов.
// Помимо стандартного текстового формата методом Snapshot() отдаётся
// JSON-представление для endpoint /metrics (текстовый — /metrics/prometheus).
//
// Типы метрик:
//   - Counter: только растёт (запросы, ошибки)
//   - Histogram: распределение значений (latency)
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Метрики
// =============================================================================

var (
	// RequestsTotal — счётчик всех HTTP запросов.
	// PromQL пример: rate(requests_total{service="gateway"}[5m]) — RPS за 5 минут
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration — гистограмма latency запросов.
	// PromQL пример: histogram_quantile(0.95, rate(request_duration_seconds_bucket[5m]))
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "request_duration_seconds",
			Help: "Время выполнения запроса в секундах",
			// Buckets оптимизированы для типичных API: от 5ms до 10s
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)

	// ProxyRequestsTotal — счётчик проксированных вызовов роутера.
	// error_class: "" при успехе, иначе класс ошибки (timeout, circuit_open, ...).
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Проксированные вызовы по сервису, методу, статусу и классу ошибки",
		},
		[]string{"service", "method", "status", "error_class"},
	)

	// ProxyDuration — гистограмма latency проксированных вызовов.
	ProxyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_duration_seconds",
			Help:    "Время выполнения проксированного вызова в секундах",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"service", "method"},
	)

	// OutboxEventsTotal — счётчик событий, обработанных Outbox Relay.
	// result: "published", "failed", "dlq".
	OutboxEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "События outbox по топику и результату доставки",
		},
		[]string{"topic", "result"},
	)

	// SagasTotal — счётчик завершённых саг по типу и финальному статусу.
	SagasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_total",
			Help: "Саги по типу и финальному статусу",
		},
		[]string{"saga_type", "status"},
	)
)

// RecordRequest записывает метрики запроса (вызывать в конце обработки).
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordProxyCall записывает метрики проксированного вызова роутера.
func RecordProxyCall(service, method, status, errorClass string, duration time.Duration) {
	ProxyRequestsTotal.WithLabelValues(service, method, status, errorClass).Inc()
	ProxyDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// =============================================================================
// JSON snapshot для /metrics
// =============================================================================

// MetricSample — одно значение метрики в JSON-выгрузке.
type MetricSample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot собирает текущие значения всех метрик в map: имя → samples.
// Гистограммы отдаются количеством наблюдений и суммой.
func Snapshot() (map[string][]MetricSample, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}

	result := make(map[string][]MetricSample, len(families))
	for _, fam := range families {
		samples := make([]MetricSample, 0, len(fam.GetMetric()))

		for _, m := range fam.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}

			switch {
			case m.GetCounter() != nil:
				samples = append(samples, MetricSample{Labels: labels, Value: m.GetCounter().GetValue()})
			case m.GetGauge() != nil:
				samples = append(samples, MetricSample{Labels: labels, Value: m.GetGauge().GetValue()})
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				countLabels := make(map[string]string, len(labels)+1)
				sumLabels := make(map[string]string, len(labels)+1)
				for k, v := range labels {
					countLabels[k] = v
					sumLabels[k] = v
				}
				countLabels["stat"] = "count"
				sumLabels["stat"] = "sum"
				samples = append(samples,
					MetricSample{Labels: countLabels, Value: float64(h.GetSampleCount())},
					MetricSample{Labels: sumLabels, Value: h.GetSampleSum()},
				)
			}
		}

		result[fam.GetName()] = samples
	}

	return result, nil
}

// =============================================================================
// Gin Middleware для HTTP метрик
// =============================================================================

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
// Записывает requests_total и request_duration_seconds для каждого запроса.
func GinMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		RecordRequest(service, c.FullPath(), status, time.Since(start))
	}
}
