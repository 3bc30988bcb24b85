package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App        AppSettings        `mapstructure:"app"`
	Postgres   PostgresSettings   `mapstructure:"postgres"`
	Redis      RedisSettings      `mapstructure:"redis"`
	Kafka      KafkaSettings      `mapstructure:"kafka"`
	Telemetry  TelemetrySettings  `mapstructure:"telemetry"`
	Versioning VersioningSettings `mapstructure:"versioning"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	Schema            string        `mapstructure:"schema"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
}

// KafkaSettings configures the invalidation producer and consumer group
type KafkaSettings struct {
	Brokers       []string `mapstructure:"brokers"`
	TopicPrefix   string   `mapstructure:"topic_prefix"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// Enabled reports whether any broker is configured.
func (k KafkaSettings) Enabled() bool {
	for _, broker := range k.Brokers {
		if strings.TrimSpace(broker) != "" {
			return true
		}
	}
	return false
}

type TelemetrySettings struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// VersioningSettings configures the versioning engine.
type VersioningSettings struct {
	Store               string                `mapstructure:"store"`
	VerifyInvariants    bool                  `mapstructure:"verify_invariants"`
	RunMigrations       bool                  `mapstructure:"run_migrations"`
	InvalidationTimeout time.Duration         `mapstructure:"invalidation_timeout"`
	Cache               CacheSettings         `mapstructure:"cache"`
	Rules               map[string][]RuleSpec `mapstructure:"rules"`
}

// CacheSettings selects the current version cache tier.
type CacheSettings struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RuleSpec is one CEL payload rule.
type RuleSpec struct {
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
	Message    string `mapstructure:"message"`
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	CacheRedis  = "redis"
	CacheMemory = "memory"
	CacheNone   = "none"
)

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("GOV")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.schema",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.consumer_group",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"versioning.store",
		"versioning.verify_invariants",
		"versioning.run_migrations",
		"versioning.invalidation_timeout",
		"versioning.cache.backend",
		"versioning.cache.ttl",
		"versioning.cache.key_prefix",
		"versioning.cache.sweep_interval",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	// rules are structured and only come from a config file
	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.Versioning.Store {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("versioning.store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Versioning.Store)
	}
	switch c.Versioning.Cache.Backend {
	case CacheRedis, CacheMemory, CacheNone:
	default:
		return fmt.Errorf("versioning.cache.backend must be one of redis, memory, none, got %q", c.Versioning.Cache.Backend)
	}
	return nil
}

// DSN renders the pgx connection string.
func (p PostgresSettings) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
	if schema := strings.TrimSpace(p.Schema); schema != "" {
		dsn += "&search_path=" + schema
	}
	return dsn
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "config-governance")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "governance")
	v.SetDefault("postgres.password", "governance_password")
	v.SetDefault("postgres.database", "governance")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.schema", "governance")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "governance")
	v.SetDefault("kafka.consumer_group", "config-governance-cache")

	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.service_name", "config-governance")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("versioning.store", StorePostgres)
	v.SetDefault("versioning.verify_invariants", false)
	v.SetDefault("versioning.run_migrations", true)
	v.SetDefault("versioning.invalidation_timeout", "2s")
	v.SetDefault("versioning.cache.backend", CacheRedis)
	v.SetDefault("versioning.cache.ttl", "5m")
	v.SetDefault("versioning.cache.key_prefix", "governance:current")
	v.SetDefault("versioning.cache.sweep_interval", "1m")
}

func bindEnvs(v *viper.Viper, keys []string) error {
	keys = append(keys, "config_file")
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "GOV_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
