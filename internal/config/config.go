package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

// Config корневая структура конфигурации компоновщика.
type Config struct {
	NodeID       string             `yaml:"node_id"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Cache        CacheConfig        `yaml:"cache"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	EventBus     EventBusConfig     `yaml:"eventbus"`
	Sync         SyncConfig         `yaml:"sync"`
	Server       ServerConfig       `yaml:"server"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Session      SessionConfig      `yaml:"session"`
}

type LoggingConfig struct {
	Dir          string `yaml:"dir"`
	ConsoleLevel string `yaml:"console_level"`
	FileLevel    string `yaml:"file_level"`
	// пороги консоли по подсистемам: {storage: debug}
	Levels map[string]string `yaml:"levels"`
}

// StorageConfig: driver badger|file.
type StorageConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
	AutoSave bool   `yaml:"auto_save"`
}

type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	RedisURL  string        `yaml:"redis_url"` // пусто: кеш в памяти процесса
	Password  string        `yaml:"redis_password"`
	DB        int           `yaml:"redis_db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type InvalidationConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// EventBusConfig: driver memory|jetstream.
type EventBusConfig struct {
	Driver    string `yaml:"driver"`
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Capacity  int    `yaml:"capacity"`
	LogEvents bool   `yaml:"log_events"`
}

type SyncConfig struct {
	BatchSize    int  `yaml:"batch_size"`
	FlushEveryMs int  `yaml:"flush_every_ms"`
	UseGzipCompr bool `yaml:"use_gzip_compression"`
}

type ServerConfig struct {
	RESTPort    int `yaml:"rest_port"`
	MetricsPort int `yaml:"metrics_port"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
}

type SessionConfig struct {
	TickIntervalMs int    `yaml:"tick_interval_ms"`
	BlockingLoads  bool   `yaml:"blocking_loads"`
	SaveEverySec   int    `yaml:"save_every_seconds"`
	ActiveLayer    string `yaml:"active_layer"`
}

// Default возвращает конфигурацию для локального запуска без внешних сервисов.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{ConsoleLevel: "INFO", FileLevel: "DEBUG"},
		Storage: StorageConfig{Driver: "badger", Path: "data", Compress: true, AutoSave: true},
		Cache:   CacheConfig{Enabled: true, KeyPrefix: "terrain:", TTL: 5 * time.Minute},
		EventBus: EventBusConfig{
			Driver:    "memory",
			Stream:    "TERRAIN",
			Retention: 1,
			Capacity:  256,
		},
		Sync:      SyncConfig{BatchSize: 4096, FlushEveryMs: 100},
		Telemetry: TelemetryConfig{ServiceName: "terrain-compositor", Endpoint: "localhost:4318", Insecure: true},
		Session:   SessionConfig{TickIntervalMs: 50, SaveEverySec: 30},
	}
}

// TickInterval: период тика сессии
func (s *SessionConfig) TickInterval() time.Duration {
	return durationMs(s.TickIntervalMs, 50)
}

// SaveInterval: период автосохранения; 0: выключено.
func (s *SessionConfig) SaveInterval() time.Duration {
	if s.SaveEverySec <= 0 {
		return 0
	}
	return time.Duration(s.SaveEverySec) * time.Second
}

// FlushEvery: период отправки пакетов изменений
func (s *SyncConfig) FlushEvery() time.Duration {
	return durationMs(s.FlushEveryMs, 100)
}

// RetentionPeriod: время хранения событий в JetStream
func (e *EventBusConfig) RetentionPeriod() time.Duration {
	if e.Retention <= 0 {
		return time.Hour
	}
	return time.Duration(e.Retention) * time.Hour
}

// LoggingOptions переводит секцию в параметры пакета logging.
func (l *LoggingConfig) LoggingOptions() logging.Options {
	return logging.Options{
		Dir:          l.Dir,
		ConsoleLevel: logging.ParseLevel(l.ConsoleLevel),
		FileLevel:    logging.ParseLevel(l.FileLevel),
	}
}

// ApplyLevels передаёт пороги подсистем в реестр логгеров.
func (l *LoggingConfig) ApplyLevels(r *logging.Registry) {
	for name, level := range l.Levels {
		r.SetLevel(logging.Component(name), logging.ParseLevel(level))
	}
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "TERRAIN_REST_PORT", 8088)
}

// GetMetricsPort возвращает порт Prometheus. 0 из всех источников: метрики на REST порту.
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "TERRAIN_METRICS_PORT", 0)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

func durationMs(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

// Load читает YAML поверх Default().
// Если path == "", берёт путь из TERRAIN_CONFIG; без него возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("TERRAIN_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация %s: %w", path, err)
	}
	return cfg, nil
}

// Validate проверяет значения перечислений.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "badger", "file":
	default:
		return fmt.Errorf("storage.driver: неизвестный драйвер %q", c.Storage.Driver)
	}
	switch c.EventBus.Driver {
	case "", "memory", "jetstream":
	default:
		return fmt.Errorf("eventbus.driver: неизвестный драйвер %q", c.EventBus.Driver)
	}
	if c.EventBus.Driver == "jetstream" && c.EventBus.URL == "" {
		return fmt.Errorf("eventbus.url обязателен для jetstream")
	}
	if c.Invalidation.Enabled && c.Invalidation.NATSURL == "" {
		return fmt.Errorf("invalidation.nats_url обязателен")
	}
	return nil
}
