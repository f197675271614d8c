package configs

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServerPort             string `envconfig:"SERVER_PORT" default:"8080"`
	HealthPort             string `envconfig:"HEALTH_PORT" default:"8081"`
	ServerTimeOutInSeconds int64  `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	LogLevel               string `envconfig:"LOG_LEVEL" default:"info"`
	Database               DatabaseConfig
	RabbitMQ               RabbitMQConfig
	RedisConfig            RedisConfig
	Worker                 WorkerConfig
	Scheduler              SchedulerConfig
	Email                  EmailConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"4"`
}

type RabbitMQConfig struct {
	Username string `envconfig:"RABBIT_USERNAME"`
	Password string `envconfig:"RABBIT_PASSWORD"`
	Host     string `envconfig:"RABBIT_HOST"`
	Port     string `envconfig:"RABBIT_PORT"`
	VHost    string `envconfig:"RABBIT_VHOST"`

	// Queues is a comma separated list of the queues declared at start up and consumed by workers
	Queues       []string `envconfig:"RABBIT_QUEUES" default:"default"`
	DefaultQueue string   `envconfig:"RABBIT_DEFAULT_QUEUE" default:"default"`
	// PrefetchCount falls back to the worker concurrency when it is zero
	PrefetchCount int `envconfig:"RABBIT_PREFETCH_COUNT" default:"0"`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST"`
	Port     string `envconfig:"REDIS_PORT"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

type WorkerConfig struct {
	Concurrency          int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	TaskTimeOutInSeconds int64         `envconfig:"WORKER_TIME_OUT_IN_SECONDS" default:"15"`
	BackoffBase          time.Duration `envconfig:"WORKER_BACKOFF_BASE" default:"1s"`
	BackoffMax           time.Duration `envconfig:"WORKER_BACKOFF_MAX" default:"10m"`
	DefaultMaxRetries    int           `envconfig:"WORKER_DEFAULT_MAX_RETRIES" default:"3"`
	LockTTL              time.Duration `envconfig:"WORKER_LOCK_TTL" default:"30s"`
	RevokeTTL            time.Duration `envconfig:"WORKER_REVOKE_TTL" default:"1h"`
	StalePendingAfter    time.Duration `envconfig:"WORKER_STALE_PENDING_AFTER" default:"5m"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"1s"`
	ScheduleFile string        `envconfig:"SCHEDULER_SCHEDULE_FILE" default:"schedule.yaml"`
	LockTTL      time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"10m"`
}

type EmailConfig struct {
	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     string `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	FromAddress  string `envconfig:"EMAIL_FROM_ADDRESS" default:"noreply@alxtravelapp.com"`
	LogFile      string `envconfig:"EMAIL_LOG_FILE" default:"email_log.txt"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.VHost,
	)
}

func (d RabbitMQConfig) Prefetch(concurrency int) int {
	if d.PrefetchCount > 0 {
		return d.PrefetchCount
	}

	return concurrency
}

// GetMainQueueNames returns the queues which must be declared before running workers, without blanks and duplicates
func (d RabbitMQConfig) GetMainQueueNames() []string {
	seen := map[string]bool{}
	names := []string{}
	for _, name := range append([]string{d.DefaultQueue}, d.Queues...) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	return names
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func (w WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeOutInSeconds) * time.Second
}

// SMTPAddr returns host:port, or an empty string when no SMTP host is configured
func (e EmailConfig) SMTPAddr() string {
	if e.SMTPHost == "" {
		return ""
	}

	return e.SMTPHost + ":" + e.SMTPPort
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}

	return level
}

// SetUpLogger installs a text handler on stderr at the configured level as the default logger
func (c *Config) SetUpLogger() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.SlogLevel()})
	slog.SetDefault(slog.New(h))
}

func LoadConfig() (*Config, error) {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("unable to load .env: %w", err)
	}

	var cfg Config
	if err = envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("cannot load env: %w", err)
	}

	return &cfg, nil
}

func InitConfig() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	return cfg
}
