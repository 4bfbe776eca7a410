package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/delivery-platform/pkg/circuitbreaker"
	"example.com/delivery-platform/pkg/discovery"
	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/metrics"
)

// forwardedBy — значение User-Agent и X-Forwarded-By для исходящих запросов.
const forwardedBy = "delivery-gateway"

// hopHeaders — заголовки, которые не пересылаются нижестоящим сервисам.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	// Чувствительные заголовки: внутренние сервисы доверяют gateway,
	// клиентские credentials дальше него не уходят.
	"Authorization": {},
	"Cookie":        {},
	"X-Api-Key":     {},
}

// Request описывает проксируемый запрос.
type Request struct {
	Method  string
	Service string // Логическое имя сервиса в discovery
	Path    string // Путь с query string
	Body    []byte
	Header  http.Header

	// Timeout — таймаут одного вызова. 0 → DefaultTimeout роутера.
	Timeout time.Duration

	// CacheTTL — TTL кеширования ответа. Действует только для GET.
	CacheTTL time.Duration
}

// Response — ответ upstream после проксирования.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache — ответ отдан из кеша без обращения к upstream.
	FromCache bool

	// Degraded — endpoint выбран в обход health-статуса (нет здоровых).
	Degraded bool
}

// Config содержит политику роутера.
type Config struct {
	DefaultTimeout time.Duration // Таймаут вызова по умолчанию
	MaxRetries     int           // Максимум повторных попыток
	SLAThreshold   time.Duration // Порог SLA-предупреждения
}

// Router — ядро Resilient Request Router.
// Порядок обработки: кеш → discovery → circuit breaker → вызов → retry →
// классификация ошибки → кеширование ответа.
type Router struct {
	discovery *discovery.Registry
	breakers  *circuitbreaker.Registry
	cache     *Cache
	client    *http.Client
	cfg       Config
}

// NewRouter создаёт роутер. cache может быть nil — кеширование выключено.
func NewRouter(d *discovery.Registry, b *circuitbreaker.Registry, cache *Cache, cfg Config) *Router {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.SLAThreshold <= 0 {
		cfg.SLAThreshold = 2 * time.Second
	}

	return &Router{
		discovery: d,
		breakers:  b,
		cache:     cache,
		// Таймаут задаётся per-call через контекст запроса
		client: &http.Client{},
		cfg:    cfg,
	}
}

// Proxy выполняет проксирование с retry и классификацией ошибок.
// HTTP статусы < 500 считаются успехом и отдаются вызывающему как есть;
// 5xx (кроме 501), таймауты и сетевые ошибки повторяются до MaxRetries.
func (r *Router) Proxy(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	log := logger.FromContext(ctx)

	cacheable := req.Method == http.MethodGet && req.CacheTTL > 0 && r.cache != nil
	cacheKey := ""
	if cacheable {
		cacheKey = CacheKey(req.Method, req.Service, req.Path, req.Body)
		if cached, err := r.cache.Get(ctx, cacheKey); err == nil && cached != nil {
			r.observe(ctx, req, cached.StatusCode, "", time.Since(start))
			return cachedToResponse(cached), nil
		}
	}

	var (
		resp *Response
		perr *Error
	)
	for attempt := 0; ; attempt++ {
		resp, perr = r.attempt(ctx, req)
		if perr == nil {
			break
		}

		if !perr.Retryable() || attempt >= r.cfg.MaxRetries {
			break
		}

		// Экспоненциальная пауза: 1 с, 2 с
		backoff := time.Duration(1<<attempt) * time.Second
		log.Warn().
			Str("service", req.Service).
			Str("class", perr.Class).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Повторная попытка проксирования")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, &Error{Class: ClassTimeout, Service: req.Service, Err: ctx.Err()}
		}
	}

	duration := time.Since(start)

	if perr != nil {
		r.observe(ctx, req, perr.StatusCode, perr.Class, duration)
		return nil, perr
	}

	errClass := ""
	if resp.StatusCode >= 400 {
		errClass = ClassUpstream4xx
	}
	r.observe(ctx, req, resp.StatusCode, errClass, duration)

	// Кешируются только успешные GET ответы
	if cacheable && resp.StatusCode == http.StatusOK {
		entry := &CachedResponse{
			StatusCode:  resp.StatusCode,
			Headers:     flattenHeaders(resp.Header),
			Body:        resp.Body,
			StoredAt:    time.Now(),
			ContentType: resp.Header.Get("Content-Type"),
		}
		if err := r.cache.Set(ctx, cacheKey, entry, req.CacheTTL); err != nil {
			log.Warn().Err(err).Str("service", req.Service).Msg("Ошибка записи в кеш ответов")
		}
	}

	return resp, nil
}

// attempt выполняет одну попытку: resolve → breaker → HTTP вызов.
func (r *Router) attempt(ctx context.Context, req *Request) (*Response, *Error) {
	url, degraded, err := r.discovery.Resolve(req.Service)
	if err != nil {
		return nil, &Error{Class: ClassNetwork, Service: req.Service, Err: err}
	}

	result, err := r.breakers.Execute(req.Service, func() (any, error) {
		return r.call(ctx, req, url)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, &Error{Class: ClassCircuitOpen, StatusCode: http.StatusServiceUnavailable, Service: req.Service, Err: err}
		}
		var perr *Error
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, classify(err, req.Service)
	}

	resp := result.(*Response)
	resp.Degraded = degraded
	return resp, nil
}

// call выполняет HTTP вызов upstream с санацией заголовков.
// Возвращает ошибку для статусов ≥500 (кроме 501), чтобы breaker считал их сбоями.
func (r *Router) call(ctx context.Context, req *Request, baseURL string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}

	sanitizeHeaders(httpReq.Header, req.Header)

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classify(err, req.Service)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Class: ClassNetwork, Service: req.Service, Err: err}
	}

	// 501 не повторяется: upstream явно сообщил, что метод не реализован
	if httpResp.StatusCode >= 500 && httpResp.StatusCode != http.StatusNotImplemented {
		return nil, &Error{Class: ClassUpstream5xx, StatusCode: httpResp.StatusCode, Service: req.Service}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// observe пишет метрики вызова и SLA-предупреждение.
func (r *Router) observe(ctx context.Context, req *Request, status int, errClass string, duration time.Duration) {
	statusLabel := "0"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	metrics.RecordProxyCall(req.Service, req.Method, statusLabel, errClass, duration)

	if duration > r.cfg.SLAThreshold {
		logger.FromContext(ctx).Warn().
			Str("service", req.Service).
			Str("method", req.Method).
			Str("path", req.Path).
			Dur("duration", duration).
			Dur("sla_threshold", r.cfg.SLAThreshold).
			Msg("Нарушение SLA проксирования")
	}
}

// classify относит ошибку вызова к классу timeout или network.
func classify(err error, service string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ClassTimeout, Service: service, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Class: ClassTimeout, Service: service, Err: err}
	}
	return &Error{Class: ClassNetwork, Service: service, Err: err}
}

// sanitizeHeaders копирует входящие заголовки без hop-by-hop и чувствительных,
// помечая запрос как прошедший через gateway.
func sanitizeHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	dst.Set("User-Agent", forwardedBy)
	dst.Set("X-Forwarded-By", forwardedBy)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		// Set-Cookie не кешируется
		if strings.EqualFold(name, "Set-Cookie") {
			continue
		}
		out[name] = h.Get(name)
	}
	return out
}

func cachedToResponse(c *CachedResponse) *Response {
	header := make(http.Header, len(c.Headers))
	for name, v := range c.Headers {
		header.Set(name, v)
	}
	return &Response{
		StatusCode: c.StatusCode,
		Header:     header,
		Body:       c.Body,
		FromCache:  true,
	}
}
