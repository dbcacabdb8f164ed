package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Postgres struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"db_name"`
	MigrationsPath string `yaml:"migrations_path"`
	Isolation      string `yaml:"isolation"` // read_committed | repeatable_read | serializable
}

type Catalog struct {
	DBPath         string `yaml:"db_path"`
	MigrationsPath string `yaml:"migrations_path"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type Kafka struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	PaymentTopic string        `yaml:"payment_topic"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Config struct {
	HTTPPort string `yaml:"http_port"`
	GRPCPort string `yaml:"grpc_port"`

	StoreDriver string   `yaml:"store_driver"`
	Postgres    Postgres `yaml:"postgres"`
	Catalog     Catalog  `yaml:"catalog"`
	Redis       Redis    `yaml:"redis"`
	Kafka       Kafka    `yaml:"kafka"`

	LockTimeout      time.Duration `yaml:"lock_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	PaymentIntentTTL time.Duration `yaml:"payment_intent_ttl"`

	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func Default() *Config {
	return &Config{
		HTTPPort:    "8080",
		GRPCPort:    "50056",
		StoreDriver: DriverMemory,
		Postgres: Postgres{
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			Password:       "postgres",
			DBName:         "checkout",
			MigrationsPath: "./internal/store/migrations",
			Isolation:      "read_committed",
		},
		Catalog: Catalog{
			DBPath:         "./catalog.db",
			MigrationsPath: "./internal/catalog/migrations",
		},
		Redis: Redis{Addr: "localhost:6379"},
		Kafka: Kafka{
			Topic:        "checkout-orders",
			PaymentTopic: "payment-results",
			PollInterval: time.Second,
		},
		LockTimeout:      5 * time.Second,
		RequestTimeout:   30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		PaymentIntentTTL: 15 * time.Minute,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load reads the optional YAML file at path over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)

	c.Postgres.Host = getEnv("DB_HOST", c.Postgres.Host)
	c.Postgres.User = getEnv("DB_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("DB_PASSWORD", c.Postgres.Password)
	c.Postgres.DBName = getEnv("DB_NAME", c.Postgres.DBName)
	c.Postgres.MigrationsPath = getEnv("MIGRATIONS_PATH", c.Postgres.MigrationsPath)
	c.Postgres.Isolation = getEnv("DB_ISOLATION", c.Postgres.Isolation)
	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DB_PORT: %w", err)
		}
		c.Postgres.Port = port
	}

	c.Catalog.DBPath = getEnv("CATALOG_DB_PATH", c.Catalog.DBPath)
	c.Catalog.MigrationsPath = getEnv("CATALOG_MIGRATIONS_PATH", c.Catalog.MigrationsPath)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.PaymentTopic = getEnv("KAFKA_PAYMENT_TOPIC", c.Kafka.PaymentTopic)

	var err error
	if c.Kafka.PollInterval, err = getEnvDuration("OUTBOX_POLL_INTERVAL", c.Kafka.PollInterval); err != nil {
		return err
	}
	if c.LockTimeout, err = getEnvDuration("LOCK_TIMEOUT", c.LockTimeout); err != nil {
		return err
	}
	if c.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if c.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	if c.PaymentIntentTTL, err = getEnvDuration("PAYMENT_INTENT_TTL", c.PaymentIntentTTL); err != nil {
		return err
	}

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.Postgres.Host == "" {
			errs = append(errs, errors.New("postgres host is required"))
		}
		if _, err := c.IsolationLevel(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}

	for name, d := range map[string]time.Duration{
		"lock_timeout":       c.LockTimeout,
		"request_timeout":    c.RequestTimeout,
		"shutdown_timeout":   c.ShutdownTimeout,
		"payment_intent_ttl": c.PaymentIntentTTL,
		"poll_interval":      c.Kafka.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsolationLevel() (sql.IsolationLevel, error) {
	switch c.Postgres.Isolation {
	case "", "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	}
	return 0, fmt.Errorf("unknown isolation level %q", c.Postgres.Isolation)
}

func (c *Config) Credentials() *store.Credentials {
	return &store.Credentials{
		Host:              c.Postgres.Host,
		Port:              c.Postgres.Port,
		User:              c.Postgres.User,
		Password:          c.Postgres.Password,
		DBName:            c.Postgres.DBName,
		MigrationsDirPath: c.Postgres.MigrationsPath,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
