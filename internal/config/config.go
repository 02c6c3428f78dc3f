package config

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "COINLEDGER"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Log         LogConfig         `mapstructure:"log"`
	Seed        SeedConfig        `mapstructure:"seed"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	WorkerID        int64         `mapstructure:"worker_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	GuardTTL time.Duration `mapstructure:"guard_ttl"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransactionCompleted string `mapstructure:"transaction_completed"`
}

// TransactionConfig tunes the orchestration engine.
type TransactionConfig struct {
	IsolationLevel string        `mapstructure:"isolation_level"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxJitter      time.Duration `mapstructure:"max_jitter"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type JobsConfig struct {
	OutboxInterval   time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize  int           `mapstructure:"outbox_batch_size"`
	OutboxMaxRetry   int           `mapstructure:"outbox_max_retry"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize   int           `mapstructure:"sweep_batch_size"`
	PendingInterval  time.Duration `mapstructure:"pending_interval"`
	PendingThreshold time.Duration `mapstructure:"pending_threshold"`
	MetricsInterval  time.Duration `mapstructure:"metrics_interval"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type SeedConfig struct {
	Assets []SeedAsset `mapstructure:"assets"`
}

type SeedAsset struct {
	Code string `mapstructure:"code"`
	Name string `mapstructure:"name"`
}

// Load reads the YAML file at path, layered over defaults and COINLEDGER_* env vars.
// An empty path skips the file and uses defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.name", "coinledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.slow_threshold", 200*time.Millisecond)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.guard_ttl", 15*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.transaction_completed", "wallet.transaction.completed")

	v.SetDefault("transaction.isolation_level", "repeatable_read")
	v.SetDefault("transaction.max_wait", 5*time.Second)
	v.SetDefault("transaction.timeout", 10*time.Second)
	v.SetDefault("transaction.max_retries", 3)
	v.SetDefault("transaction.base_delay", 100*time.Millisecond)
	v.SetDefault("transaction.max_delay", 2*time.Second)
	v.SetDefault("transaction.max_jitter", 50*time.Millisecond)
	v.SetDefault("transaction.idempotency_ttl", 24*time.Hour)

	v.SetDefault("jobs.outbox_interval", 500*time.Millisecond)
	v.SetDefault("jobs.outbox_batch_size", 100)
	v.SetDefault("jobs.outbox_max_retry", 5)
	v.SetDefault("jobs.sweep_interval", 10*time.Minute)
	v.SetDefault("jobs.sweep_batch_size", 500)
	v.SetDefault("jobs.pending_interval", time.Minute)
	v.SetDefault("jobs.pending_threshold", 5*time.Minute)
	v.SetDefault("jobs.metrics_interval", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("seed.assets", []map[string]interface{}{
		{"code": "GOLD_COIN", "name": "Gold Coin"},
		{"code": "DIAMOND", "name": "Diamond"},
		{"code": "LOYALTY_POINT", "name": "Loyalty Point"},
	})
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if _, err := c.Transaction.Isolation(); err != nil {
		return err
	}
	t := c.Transaction
	if t.MaxRetries < 0 {
		return fmt.Errorf("config: transaction.max_retries must not be negative")
	}
	if t.MaxWait <= 0 || t.Timeout <= 0 || t.BaseDelay <= 0 || t.MaxDelay <= 0 || t.IdempotencyTTL <= 0 {
		return fmt.Errorf("config: transaction durations must be positive")
	}
	if t.MaxJitter < 0 {
		return fmt.Errorf("config: transaction.max_jitter must not be negative")
	}
	j := c.Jobs
	if j.OutboxInterval <= 0 || j.SweepInterval <= 0 || j.PendingInterval <= 0 || j.MetricsInterval <= 0 {
		return fmt.Errorf("config: job intervals must be positive")
	}
	if j.OutboxBatchSize <= 0 || j.SweepBatchSize <= 0 || j.OutboxMaxRetry <= 0 {
		return fmt.Errorf("config: job batch sizes and outbox_max_retry must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is empty")
	}
	return nil
}

// Isolation maps the configured level to database/sql. Anything weaker than
// repeatable read is rejected.
func (t TransactionConfig) Isolation() (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.ReplaceAll(t.IsolationLevel, " ", "_")) {
	case "", "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return 0, fmt.Errorf("config: unsupported isolation level %q", t.IsolationLevel)
	}
}

func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.Name)
	}
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
