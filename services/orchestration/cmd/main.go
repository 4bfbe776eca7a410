// Orchestration Service — сервис управления заказами и Saga Coordinator.
// Предоставляет HTTP API для создания, получения, изменения и отмены заказов,
// выполняет саги обработки заказов и публикует доменные события через Outbox Relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"example.com/delivery-platform/pkg/bus"
	"example.com/delivery-platform/pkg/circuitbreaker"
	"example.com/delivery-platform/pkg/config"
	"example.com/delivery-platform/pkg/db"
	"example.com/delivery-platform/pkg/healthcheck"
	"example.com/delivery-platform/pkg/logger"
	"example.com/delivery-platform/pkg/outbox"
	"example.com/delivery-platform/pkg/tracing"
	"example.com/delivery-platform/services/orchestration/internal/clients"
	"example.com/delivery-platform/services/orchestration/internal/handler"
	"example.com/delivery-platform/services/orchestration/internal/repository"
	"example.com/delivery-platform/services/orchestration/internal/saga"
	"example.com/delivery-platform/services/orchestration/internal/saga/steps"
	"example.com/delivery-platform/services/orchestration/internal/service"
)

// clientTimeout — таймаут HTTP вызовов нижестоящих сервисов из шагов саги.
// Должен быть меньше таймаута самого короткого шага.
const clientTimeout = 10 * time.Second

// recoverLimit — сколько незавершённых саг поднимается за один
// проход восстановления при старте.
const recoverLimit = 100

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
	log := logger.With().Str("service", "orchestration").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("port", cfg.Server.OrchestrationPort).
		Str("saga_backend", cfg.Saga.Backend).
		Msg("Запуск Orchestration Service")

	gormDB, err := db.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "orchestration",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Environment:    cfg.App.Env,
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации tracing")
	}

	// Репозитории и outbox
	orderRepo := repository.NewOrderRepository(gormDB)
	sagaRepo := saga.NewRepository(gormDB)
	outboxRepo := outbox.NewRepository(gormDB)
	writer := outbox.NewWriter(outboxRepo)

	// Outbox Relay: читает незанятые события и публикует их в шину
	producer, err := bus.NewProducer(bus.Config{
		Brokers:    cfg.Kafka.Brokers,
		DLQTopic:   cfg.Kafka.DLQTopic,
		MaxRetries: cfg.Kafka.MaxRetries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания producer шины событий")
	}

	relay := outbox.NewRelay(outboxRepo, producer, outbox.RelayConfig{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxRetries:     cfg.Outbox.MaxRetries,
		Concurrency:    cfg.Outbox.Concurrency,
		RetryDelay:     cfg.Outbox.RetryDelay,
		StaleThreshold: cfg.Outbox.StaleThreshold,
		SweepInterval:  cfg.Outbox.SweepInterval,
		Retention:      cfg.Outbox.Retention,
	})

	// Клиенты нижестоящих сервисов с общим реестром circuit breaker'ов
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Settings{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		Cooldown:         cfg.Circuit.Cooldown,
	})
	inventory := clients.NewInventoryClient(cfg.Saga.InventoryURL, clientTimeout, breakers)
	partner := clients.NewPartnerClient(cfg.Saga.OptimizationURL, cfg.Saga.BookingURL, clientTimeout, breakers)

	defs := saga.Definitions{}
	defs.Register(steps.NewOrderProcessingDefinition(
		inventory, partner, orderRepo, gormDB, writer,
		cfg.Saga.Timeout, cfg.Saga.MaxRetries,
	))

	coordinator, local := buildCoordinator(cfg, gormDB, sagaRepo, writer, defs)

	orderService := service.NewOrderService(gormDB, orderRepo, sagaRepo, outboxRepo, writer, coordinator)
	orderHandler := handler.NewOrderHandler(orderService)

	ready := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, gormDB) },
		func(ctx context.Context) error { return healthcheck.CheckBroker(ctx, cfg.Kafka.Brokers) },
	)

	router := handler.NewRouter(orderHandler, ready, cfg.Jaeger.Enabled)

	srv := &http.Server{
		Addr:         cfg.Server.OrchestrationAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Фоновые компоненты: очередь саг и relay живут до отмены контекста.
	// Каналы done позволяют дождаться, пока in-flight саги допишут
	// checkpoint, а relay допубликует захваченную пачку.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinatorDone := make(chan struct{})
	if local != nil {
		go func() {
			defer close(coordinatorDone)
			local.Run(ctx)
		}()
	} else {
		close(coordinatorDone)
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()

	// Саги, не дошедшие до терминального состояния при прошлой остановке,
	// возвращаются в очередь или уходят на карантин
	if local != nil {
		go func() {
			requeued, err := local.RecoverPending(ctx, recoverLimit)
			if err != nil {
				log.Error().Err(err).Msg("Ошибка восстановления незавершённых саг")
				return
			}
			if requeued > 0 {
				log.Info().Int("count", requeued).Msg("Незавершённые саги возвращены в очередь")
			}
		}()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics.Addr(), &log)
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервис...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки metrics сервера")
		}
	}

	// Останавливаем очередь саг и relay и дожидаемся, пока они дообработают
	// текущие задачи. Producer закрываем только после этого: иначе drain
	// in-flight пачки outbox упрётся в закрытую шину.
	cancel()
	for _, done := range []<-chan struct{}{coordinatorDone, relayDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warn().Msg("Фоновые компоненты не успели остановиться за таймаут shutdown")
		}
	}

	if err := producer.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия producer")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки tracing")
	}
	if sqlDB, err := gormDB.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	log.Info().Msg("Orchestration Service остановлен")
}

// buildCoordinator выбирает реализацию координатора по SAGA_BACKEND.
// Для local возвращает также *LocalCoordinator, чтобы main запустил его очередь.
func buildCoordinator(
	cfg *config.Config,
	gormDB *gorm.DB,
	repo saga.Repository,
	writer *outbox.Writer,
	defs saga.Definitions,
) (saga.Coordinator, *saga.LocalCoordinator) {
	if cfg.Saga.Backend == "remote" && cfg.Saga.RemoteURL != "" {
		return saga.NewRemoteCoordinator(cfg.Saga.RemoteURL, clientTimeout, repo, writer, defs), nil
	}
	local := saga.NewLocalCoordinator(gormDB, repo, writer, defs, cfg.Saga.Workers)
	return local, local
}

// startMetricsServer поднимает отдельный HTTP сервер с Prometheus метриками.
func startMetricsServer(addr string, log *zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ошибка metrics сервера")
		}
	}()
	return srv
}
