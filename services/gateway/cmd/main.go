// API Gateway — Resilient Request Router для платформы доставки.
// Принимает клиентские HTTP запросы, аутентифицирует их и проксирует
// к orchestration-сервису с кешированием, circuit breaker и retry.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"example.com/delivery-platform/pkg/circuitbreaker"
	"example.com/delivery-platform/pkg/config"
	"example.com/delivery-platform/pkg/db"
	"example.com/delivery-platform/pkg/discovery"
	"example.com/delivery-platform/pkg/healthcheck"
	"example.com/delivery-platform/pkg/jwt"
	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/tracing"
	"example.com/delivery-platform/services/gateway/internal/handler"
	"example.com/delivery-platform/services/gateway/internal/middleware"
	"example.com/delivery-platform/services/gateway/internal/proxy"
)

// orderServiceName — логическое имя orchestration-сервиса в discovery.
const orderServiceName = "order-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})
	log := logger.With().Str("service", "gateway").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("port", cfg.Server.GatewayPort).
		Bool("auth_enabled", cfg.Auth.Enabled).
		Msg("Запуск API Gateway")

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "gateway",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Environment:    cfg.App.Env,
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации tracing")
	}

	redisClient := db.ConnectRedis(cfg.Redis)

	// Service discovery: endpoint'ы из конфигурации + фоновый health-пробинг
	endpoints, err := cfg.Discovery.ParseEndpoints()
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка разбора SERVICE_ENDPOINTS")
	}
	registry := discovery.NewRegistry(endpoints, discovery.Config{
		ProbeInterval: cfg.Discovery.ProbeInterval,
		ProbeTimeout:  cfg.Discovery.ProbeTimeout,
	})

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Settings{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		Cooldown:         cfg.Circuit.Cooldown,
	})

	router := proxy.NewRouter(registry, breakers, proxy.NewCache(redisClient, cfg.Cache.MaxEntries), proxy.Config{
		DefaultTimeout: cfg.Router.DefaultTimeout,
		MaxRetries:     cfg.Router.MaxRetries,
		SLAThreshold:   cfg.Router.SLAThreshold,
	})

	var authMW *middleware.AuthMiddleware
	if cfg.Auth.Enabled {
		manager, err := jwt.NewManager(jwt.Config{
			Secret: cfg.Auth.Secret,
			Issuer: cfg.App.Name,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания менеджера токенов")
		}
		manager.SetBlacklist(jwt.NewBlacklist(redisClient))
		authMW = middleware.NewAuthMiddleware(manager)
	} else {
		log.Warn().Msg("Аутентификация отключена (AUTH_ENABLED=false)")
	}

	rateLimitMW := middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
		Redis: redisClient,
	})

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.CORS.AllowedOrigins

	ready := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, redisClient) },
	)

	engine := handler.NewRouter(handler.RouterConfig{
		Orders:         handler.NewOrderProxyHandler(router, orderServiceName, cfg.Cache.DefaultTTL),
		AuthMW:         authMW,
		RateLimitMW:    rateLimitMW,
		CORS:           corsCfg,
		ReadinessCheck: ready,
		TracingEnabled: cfg.Jaeger.Enabled,
		Debug:          cfg.IsDevelopment(),
	})

	srv := &http.Server{
		Addr:         cfg.Server.GatewayAddr(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go registry.RunProber(ctx)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	cancel() // останавливаем prober

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки tracing")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Redis")
	}

	log.Info().Msg("API Gateway остановлен")
}
