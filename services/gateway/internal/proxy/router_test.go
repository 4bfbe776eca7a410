package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/delivery-platform/pkg/circuitbreaker"
	"example.com/delivery-platform/pkg/discovery"
)

func newTestRouter(t *testing.T, upstreamURL string, cache *Cache, cfg Config) *Router {
	t.Helper()

	registry := discovery.NewRegistry(map[string][]string{
		"order-service": {upstreamURL},
	}, discovery.Config{})

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Settings{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	})

	return NewRouter(registry, breakers, cache, cfg)
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0), mr
}

func TestProxy_ForwardsRequest(t *testing.T) {
	var gotAuth, gotUA, gotForwarded string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotForwarded = r.Header.Get("X-Forwarded-By")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"order-1"}`))
	}))
	defer upstream.Close()

	router := newTestRouter(t, upstream.URL, nil, Config{})

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	header.Set("X-Correlation-ID", "corr-1")

	resp, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodGet,
		Service: "order-service",
		Path:    "/api/v1/orders/order-1",
		Header:  header,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"order-1"}`, string(resp.Body))
	assert.False(t, resp.FromCache)

	// Санация заголовков: credentials не уходят, маркеры gateway добавлены
	assert.Empty(t, gotAuth)
	assert.Equal(t, "delivery-gateway", gotUA)
	assert.Equal(t, "delivery-gateway", gotForwarded)
}

func TestProxy_Upstream4xxPassesThrough(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not_found"}`))
	}))
	defer upstream.Close()

	router := newTestRouter(t, upstream.URL, nil, Config{})

	resp, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodGet,
		Service: "order-service",
		Path:    "/api/v1/orders/missing",
	})
	require.NoError(t, err)

	// 4xx — не ошибка проксирования и не повторяется
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProxy_RetriesUpstream5xx(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer upstream.Close()

	router := newTestRouter(t, upstream.URL, nil, Config{MaxRetries: 2})

	resp, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodGet,
		Service: "order-service",
		Path:    "/api/v1/orders",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProxy_ExhaustedRetriesClassified(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	// MaxRetries=1, чтобы тест не спал 3 секунды
	router := newTestRouter(t, upstream.URL, nil, Config{MaxRetries: 1})

	_, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodPost,
		Service: "order-service",
		Path:    "/api/v1/orders",
		Body:    []byte(`{}`),
	})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ClassUpstream5xx, perr.Class)
	assert.Equal(t, http.StatusInternalServerError, perr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProxy_NotImplementedNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer upstream.Close()

	router := newTestRouter(t, upstream.URL, nil, Config{MaxRetries: 2})

	resp, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodGet,
		Service: "order-service",
		Path:    "/api/v1/orders",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProxy_TimeoutClassified(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	router := newTestRouter(t, upstream.URL, nil, Config{MaxRetries: 0})

	_, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodGet,
		Service: "order-service",
		Path:    "/api/v1/orders",
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ClassTimeout, perr.Class)
}

func TestProxy_CircuitOpen(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	router := newTestRouter(t, upstream.URL, nil, Config{MaxRetries: 0})

	// Три подряд 5xx открывают breaker
	for i := 0; i < 3; i++ {
		_, err := router.Proxy(context.Background(), &Request{
			Method:  http.MethodGet,
			Service: "order-service",
			Path:    "/api/v1/orders",
		})
		require.Error(t, err)
	}

	_, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodGet,
		Service: "order-service",
		Path:    "/api/v1/orders",
	})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ClassCircuitOpen, perr.Class)
	assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
}

func TestProxy_CircuitOpenFailsFast(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	registry := discovery.NewRegistry(map[string][]string{
		"order-service": {upstream.URL},
	}, discovery.Config{})
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Settings{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	})

	// Открываем breaker без ретраев, чтобы не ждать backoff
	warmup := NewRouter(registry, breakers, nil, Config{MaxRetries: 0})
	for i := 0; i < 3; i++ {
		_, err := warmup.Proxy(context.Background(), &Request{
			Method:  http.MethodGet,
			Service: "order-service",
			Path:    "/api/v1/orders",
		})
		require.Error(t, err)
	}
	upstreamCalls := calls.Load()

	// Ретраи включены: при открытом breaker они не должны применяться
	router := NewRouter(registry, breakers, nil, Config{MaxRetries: 2})

	start := time.Now()
	_, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodGet,
		Service: "order-service",
		Path:    "/api/v1/orders",
	})
	elapsed := time.Since(start)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ClassCircuitOpen, perr.Class)
	assert.False(t, perr.Retryable())

	// Отказ мгновенный: ни retry-пауз, ни новых вызовов upstream
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, upstreamCalls, calls.Load())
}

func TestProxy_CachesGetResponses(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"order-1"}`))
	}))
	defer upstream.Close()

	cache, _ := newTestCache(t)
	router := newTestRouter(t, upstream.URL, cache, Config{})

	req := &Request{
		Method:   http.MethodGet,
		Service:  "order-service",
		Path:     "/api/v1/orders/order-1",
		CacheTTL: time.Minute,
	}

	first, err := router.Proxy(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := router.Proxy(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.JSONEq(t, `{"id":"order-1"}`, string(second.Body))
	assert.Equal(t, "application/json", second.Header.Get("Content-Type"))

	assert.Equal(t, int32(1), calls.Load())
}

func TestProxy_CacheExpires(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`ok`))
	}))
	defer upstream.Close()

	cache, mr := newTestCache(t)
	router := newTestRouter(t, upstream.URL, cache, Config{})

	req := &Request{
		Method:   http.MethodGet,
		Service:  "order-service",
		Path:     "/api/v1/orders/order-1",
		CacheTTL: time.Minute,
	}

	_, err := router.Proxy(context.Background(), req)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = router.Proxy(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProxy_NonOKNotCached(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	cache, _ := newTestCache(t)
	router := newTestRouter(t, upstream.URL, cache, Config{})

	req := &Request{
		Method:   http.MethodGet,
		Service:  "order-service",
		Path:     "/api/v1/orders/missing",
		CacheTTL: time.Minute,
	}

	for i := 0; i < 2; i++ {
		resp, err := router.Proxy(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestProxy_UnknownService(t *testing.T) {
	router := newTestRouter(t, "http://localhost:1", nil, Config{})

	_, err := router.Proxy(context.Background(), &Request{
		Method:  http.MethodGet,
		Service: "нет-такого-сервиса",
		Path:    "/",
	})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ClassNetwork, perr.Class)
}

func TestCacheKey_Stable(t *testing.T) {
	k1 := CacheKey("GET", "order-service", "/api/v1/orders/1", nil)
	k2 := CacheKey("GET", "order-service", "/api/v1/orders/1", nil)
	k3 := CacheKey("GET", "order-service", "/api/v1/orders/2", nil)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "router:cache:")
}
