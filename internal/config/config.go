package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Processor ProcessorConfig `mapstructure:"processor"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type QueueConfig struct {
	Driver string        `mapstructure:"driver"`
	Size   int           `mapstructure:"size"`
	Redis  RedisConfig   `mapstructure:"redis"`
	Routes []RouteConfig `mapstructure:"routes"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Prefix   string        `mapstructure:"prefix"`
	Group    string        `mapstructure:"group"`
	Consumer string        `mapstructure:"consumer"`
	Block    time.Duration `mapstructure:"block"`
}

// RouteConfig sends event types matching Pattern to a priority tier.
type RouteConfig struct {
	Pattern  string `mapstructure:"pattern"`
	Priority string `mapstructure:"priority"`
}

type DeliveryConfig struct {
	Workers         int           `mapstructure:"workers"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Backoff         BackoffConfig `mapstructure:"backoff"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	Lease           time.Duration `mapstructure:"lease"`
}

type BackoffConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Multiplier float64       `mapstructure:"multiplier"`
	Max        time.Duration `mapstructure:"max"`
}

type ProcessorConfig struct {
	Workers    int           `mapstructure:"workers"`
	StuckAfter time.Duration `mapstructure:"stuck_after"`
}

type RateLimitConfig struct {
	PerMinute       int           `mapstructure:"per_minute"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Retention       time.Duration `mapstructure:"retention"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultRoutes puts WhatsApp traffic on the high tier.
var DefaultRoutes = []RouteConfig{
	{Pattern: "whatsapp.*", Priority: "high"},
}

// Load reads an optional .env, then integracoes.yaml (or path), then
// INTEGRACOES_* environment variables, e.g. INTEGRACOES_DELIVERY_MAX_ATTEMPTS.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("integracoes")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/integracoes")
	}

	setDefaults(v)

	v.SetEnvPrefix("INTEGRACOES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Queue.Routes) == 0 {
		cfg.Queue.Routes = DefaultRoutes
	}
	if cfg.Queue.Redis.Consumer == "" {
		cfg.Queue.Redis.Consumer, _ = os.Hostname()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/integracoes.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 20)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.size", 1024)
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis.prefix", "integracoes:jobs")
	v.SetDefault("queue.redis.group", "processors")
	v.SetDefault("queue.redis.consumer", "")
	v.SetDefault("queue.redis.block", 2*time.Second)

	v.SetDefault("delivery.workers", 10)
	v.SetDefault("delivery.connect_timeout", 5*time.Second)
	v.SetDefault("delivery.response_timeout", 15*time.Second)
	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.backoff.base", 10*time.Second)
	v.SetDefault("delivery.backoff.multiplier", 3.0)
	v.SetDefault("delivery.backoff.max", time.Hour)
	v.SetDefault("delivery.poll_interval", 5*time.Second)
	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.lease", 2*time.Minute)

	v.SetDefault("processor.workers", 4)
	v.SetDefault("processor.stuck_after", 5*time.Minute)

	v.SetDefault("rate_limit.per_minute", 60)
	v.SetDefault("rate_limit.cleanup_interval", 10*time.Minute)
	v.SetDefault("rate_limit.retention", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
