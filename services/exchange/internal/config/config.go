package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/1wilber/currency-manager/libs/config"
	"github.com/google/uuid"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

// DSN renders a pgx connection string.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Name,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(c.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	Import         string
	ImportRejected string
	Funded         string
	Deleted        string
	DLQ            string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
	MaxAttempts   int
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type Config struct {
	App                  base.AppConfig
	StoreDriver          string
	DB                   DBConfig
	GRPC                 GRPCConfig
	Kafka                KafkaConfig
	Redis                RedisConfig
	JWTSecret            string
	DefaultFundingBankID uuid.UUID
	OTLPEndpoint         string
}

func Load() (*Config, error) {
	path := os.Getenv(base.EnvPrefix + "_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("store.driver", StoreDriverPostgres)
	v.SetDefault("kafka.consumer_group", "exchange-service")
	v.SetDefault("kafka.topics.import", "transactions.import")
	v.SetDefault("kafka.topics.import_rejected", "transactions.import.rejected")
	v.SetDefault("kafka.topics.funded", "transactions.funded")
	v.SetDefault("kafka.topics.deleted", "transactions.deleted")
	v.SetDefault("kafka.topics.dlq", "transactions.import.dlq")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("redis.prefix", "currency:summary:")
	v.SetDefault("redis.ttl", "5m")

	cfg := &Config{
		App:         *appCfg,
		StoreDriver: strings.ToLower(envString("STORE_DRIVER", v.GetString("store.driver"))),
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "currency_manager"),
			User:     envString("POSTGRES_USER", "currency"),
			Password: envString("POSTGRES_PASSWORD", "currency"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
			MaxConns: envInt("POSTGRES_MAX_CONNS", 10),
		},
		GRPC: GRPCConfig{
			Host: envString("CURRENCY_GRPC_HOST", "0.0.0.0"),
			Port: envInt("CURRENCY_GRPC_PORT", 9091),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Import:         envString("KAFKA_IMPORT_TOPIC", v.GetString("kafka.topics.import")),
				ImportRejected: envString("KAFKA_IMPORT_REJECTED_TOPIC", v.GetString("kafka.topics.import_rejected")),
				Funded:         envString("KAFKA_FUNDED_TOPIC", v.GetString("kafka.topics.funded")),
				Deleted:        envString("KAFKA_DELETED_TOPIC", v.GetString("kafka.topics.deleted")),
				DLQ:            envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dlq")),
			},
			MaxAttempts: envInt("KAFKA_MAX_ATTEMPTS", v.GetInt("kafka.max_attempts")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
			Prefix:   envString("REDIS_PREFIX", v.GetString("redis.prefix")),
			TTL:      envDuration("REDIS_TTL", v.GetDuration("redis.ttl")),
		},
		JWTSecret:    envString("JWT_SECRET", v.GetString("auth.jwt_secret")),
		OTLPEndpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", v.GetString("tracing.otlp_endpoint")),
	}

	if raw := strings.TrimSpace(envString("DEFAULT_FUNDING_BANK_ID", v.GetString("funding.default_bank_id"))); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("DEFAULT_FUNDING_BANK_ID must be a uuid: %w", err)
		}
		cfg.DefaultFundingBankID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
	case StoreDriverMemory:
		if !c.App.IsDev() {
			return fmt.Errorf("memory store is only allowed in dev and test")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("CURRENCY_GRPC_PORT must be positive")
	}
	if c.JWTSecret == "" {
		if !c.App.IsDev() {
			return fmt.Errorf("JWT_SECRET is required")
		}
		c.JWTSecret = "dev-secret"
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Import == "" {
			return fmt.Errorf("kafka import topic required")
		}
		if c.Kafka.MaxAttempts <= 0 {
			return fmt.Errorf("kafka max attempts must be positive")
		}
	}
	if c.Redis.TTL <= 0 {
		return fmt.Errorf("redis ttl must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
