// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. DEMANDCAST_SERVER_PORT.
const Prefix = "DEMANDCAST"

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `envconfig:"SERVER"`
	History    HistoryConfig    `envconfig:"HISTORY"`
	Store      StoreConfig      `envconfig:"STORE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Postgres   PostgresConfig   `envconfig:"POSTGRES"`
	Kafka      KafkaConfig      `envconfig:"KAFKA"`
	Forecast   ForecastConfig   `envconfig:"FORECAST"`
	Priors     PriorsConfig     `envconfig:"PRIORS"`
	Elasticity ElasticityConfig `envconfig:"ELASTICITY"`
	Tracing    TracingConfig    `envconfig:"TRACING"`
	Log        LogConfig        `envconfig:"LOG"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	RateLimit       float64       `envconfig:"RATE_LIMIT" default:"100" validate:"gt=0"` // requests per second
	MetricsUser     string        `envconfig:"METRICS_USER"`
	MetricsPass     string        `envconfig:"METRICS_PASS"`
}

// HistoryConfig selects where observations are read from.
type HistoryConfig struct {
	Backend  string        `envconfig:"BACKEND" default:"memory" validate:"oneof=memory postgres"`
	File     string        `envconfig:"FILE"` // JSON dataset for the memory backend; empty starts with no history
	Lookback time.Duration `envconfig:"LOOKBACK" default:"8760h"`
}

// StoreConfig selects where results are kept.
type StoreConfig struct {
	Backend     string        `envconfig:"BACKEND" default:"memory" validate:"oneof=memory redis postgres"`
	ForecastTTL time.Duration `envconfig:"FORECAST_TTL" default:"48h"`
}

type RedisConfig struct {
	Addr     string `envconfig:"ADDR" default:"localhost:6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0" validate:"min=0"`
}

type PostgresConfig struct {
	URL string `envconfig:"URL"`
}

// KafkaConfig enables result publishing when Brokers is set.
type KafkaConfig struct {
	Brokers         []string      `envconfig:"BROKERS"`
	ForecastTopic   string        `envconfig:"FORECAST_TOPIC" default:"demandcast.forecasts"`
	ElasticityTopic string        `envconfig:"ELASTICITY_TOPIC" default:"demandcast.elasticity"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
}

type ForecastConfig struct {
	Samples    int           `envconfig:"SAMPLES" default:"10000" validate:"min=10000"`
	Seed       uint64        `envconfig:"SEED" default:"20240101"`
	MaxHorizon int           `envconfig:"MAX_HORIZON" default:"90" validate:"min=1,max=365"`
	Workers    int           `envconfig:"WORKERS" default:"8" validate:"min=1"`
	CacheSize  int           `envconfig:"CACHE_SIZE" default:"10000" validate:"min=1"`
	CacheTTL   time.Duration `envconfig:"CACHE_TTL" default:"1h"`
}

type PriorsConfig struct {
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"24h" validate:"gt=0"`
	SnapshotTTL     time.Duration `envconfig:"SNAPSHOT_TTL" default:"336h"`
	MaxPriorDays    float64       `envconfig:"MAX_PRIOR_DAYS" default:"5" validate:"gt=0"`
}

type ElasticityConfig struct {
	LookbackDays int           `envconfig:"LOOKBACK_DAYS" default:"180" validate:"min=28"`
	MaxAge       time.Duration `envconfig:"MAX_AGE" default:"168h"`
}

type TracingConfig struct {
	Exporter     string  `envconfig:"EXPORTER" default:"none" validate:"oneof=otlp stdout none"`
	Endpoint     string  `envconfig:"ENDPOINT" default:"localhost:4317"`
	SamplingRate float64 `envconfig:"SAMPLING_RATE" default:"0.1" validate:"min=0,max=1"`
	Environment  string  `envconfig:"ENVIRONMENT" default:"development"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format string `envconfig:"FORMAT" default:"json" validate:"oneof=json console"`
	Output string `envconfig:"OUTPUT" default:"stderr"`
}

var validate = validator.New()

// Load reads the configuration from DEMANDCAST_* variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks field constraints and backend dependencies.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", e.Namespace(), e.Tag(), e.Param()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	needPostgres := c.History.Backend == "postgres" || c.Store.Backend == "postgres"
	if needPostgres && c.Postgres.URL == "" {
		return errors.New("DEMANDCAST_POSTGRES_URL is required for the postgres backend")
	}
	return nil
}
