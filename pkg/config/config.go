// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию платформы доставки.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	MySQL     MySQLConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Outbox    OutboxConfig
	Circuit   CircuitConfig
	Discovery DiscoveryConfig
	Router    RouterConfig
	Cache     CacheConfig
	Auth      AuthConfig
	CORS      CORSConfig
	Saga      SagaConfig
	Jaeger    JaegerConfig
	Metrics   MetricsConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"delivery-platform"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// ServerConfig содержит настройки HTTP серверов сервисов.
type ServerConfig struct {
	GatewayPort       int           `env:"GATEWAY_PORT" envDefault:"8080"`
	OrchestrationPort int           `env:"ORCHESTRATION_PORT" envDefault:"8081"`
	ReadTimeout       time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// GatewayAddr возвращает адрес HTTP сервера gateway.
func (c ServerConfig) GatewayAddr() string {
	return fmt.Sprintf(":%d", c.GatewayPort)
}

// OrchestrationAddr возвращает адрес HTTP сервера orchestration.
func (c ServerConfig) OrchestrationAddr() string {
	return fmt.Sprintf(":%d", c.OrchestrationPort)
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"delivery_platform"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN возвращает строку подключения к MySQL.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки подключения к шине событий.
type KafkaConfig struct {
	Brokers    []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	DLQTopic   string   `env:"KAFKA_DLQ_TOPIC" envDefault:"dlq.events"`
	MaxRetries int      `env:"KAFKA_MAX_RETRIES" envDefault:"3"`
}

// OutboxConfig содержит настройки Outbox Relay.
type OutboxConfig struct {
	PollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"5s"`
	BatchSize      int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	MaxRetries     int           `env:"OUTBOX_MAX_RETRIES" envDefault:"3"`
	Concurrency    int           `env:"OUTBOX_CONCURRENCY" envDefault:"10"`
	RetryDelay     time.Duration `env:"OUTBOX_RETRY_DELAY" envDefault:"30s"`
	StaleThreshold time.Duration `env:"OUTBOX_STALE_THRESHOLD" envDefault:"5m"`
	SweepInterval  time.Duration `env:"OUTBOX_SWEEP_INTERVAL" envDefault:"1m"`
	Retention      time.Duration `env:"OUTBOX_RETENTION" envDefault:"24h"`
}

// CircuitConfig содержит настройки Circuit Breaker.
type CircuitConfig struct {
	FailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	SuccessThreshold int           `env:"CIRCUIT_SUCCESS_THRESHOLD" envDefault:"3"`
	Cooldown         time.Duration `env:"CIRCUIT_COOLDOWN" envDefault:"60s"`
}

// DiscoveryConfig содержит настройки Service Discovery.
// Endpoints задаётся в формате "name=url[,url];name=url".
type DiscoveryConfig struct {
	Endpoints     string        `env:"SERVICE_ENDPOINTS" envDefault:"order-service=http://localhost:8081"`
	ProbeInterval time.Duration `env:"DISCOVERY_PROBE_INTERVAL" envDefault:"30s"`
	ProbeTimeout  time.Duration `env:"DISCOVERY_PROBE_TIMEOUT" envDefault:"5s"`
}

// ParseEndpoints разбирает SERVICE_ENDPOINTS в map: имя сервиса → список URL.
func (c DiscoveryConfig) ParseEndpoints() (map[string][]string, error) {
	result := make(map[string][]string)

	for _, pair := range strings.Split(c.Endpoints, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		name, urls, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("некорректный формат SERVICE_ENDPOINTS: %q", pair)
		}
		name = strings.TrimSpace(name)

		for _, u := range strings.Split(urls, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				result[name] = append(result[name], u)
			}
		}
	}

	return result, nil
}

// RouterConfig содержит настройки Request Router (gateway).
type RouterConfig struct {
	DefaultTimeout time.Duration `env:"ROUTER_DEFAULT_TIMEOUT" envDefault:"10s"`
	MaxRetries     int           `env:"ROUTER_MAX_RETRIES" envDefault:"2"`
	SLAThreshold   time.Duration `env:"ROUTER_SLA_THRESHOLD" envDefault:"2s"`
}

// CacheConfig содержит настройки кеша ответов роутера.
type CacheConfig struct {
	DefaultTTL time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"300s"`
	MaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"1000"`
}

// AuthConfig содержит настройки аутентификации gateway.
// Принципал извлекается из Bearer токена; в development валидацию можно отключить.
type AuthConfig struct {
	Enabled bool   `env:"AUTH_ENABLED" envDefault:"true"`
	Secret  string `env:"AUTH_SECRET" envDefault:""`
}

// CORSConfig содержит allowlist источников для CORS.
type CORSConfig struct {
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// SagaConfig содержит настройки Saga Coordinator.
type SagaConfig struct {
	Workers    int           `env:"SAGA_WORKERS" envDefault:"8"`
	MaxRetries int           `env:"SAGA_MAX_RETRIES" envDefault:"3"`
	Timeout    time.Duration `env:"SAGA_TIMEOUT" envDefault:"2m"`

	// Backend выбирает реализацию координатора: "local" или "remote".
	Backend   string `env:"SAGA_BACKEND" envDefault:"local"`
	RemoteURL string `env:"SAGA_REMOTE_URL" envDefault:""`

	// URL нижестоящих сервисов для шагов саги.
	InventoryURL    string `env:"INVENTORY_SERVICE_URL" envDefault:"http://localhost:8082"`
	OptimizationURL string `env:"OPTIMIZATION_SERVICE_URL" envDefault:"http://localhost:8083"`
	BookingURL      string `env:"BOOKING_SERVICE_URL" envDefault:"http://localhost:8084"`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"false"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"`
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	return cfg, nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
