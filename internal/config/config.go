package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Logging       LoggingConfig             `mapstructure:"logging"`
	Arbitrage     ArbitrageConfig           `mapstructure:"arbitrage"`
	Parser        ParserConfig              `mapstructure:"parser"`
	Schedule      ScheduleConfig            `mapstructure:"schedule"`
	Jobs          JobsConfig                `mapstructure:"jobs"`
	Queue         QueueConfig               `mapstructure:"queue"`
	Database      DatabaseConfig            `mapstructure:"database"`
	Redis         RedisConfig               `mapstructure:"redis"`
	Kafka         KafkaConfig               `mapstructure:"kafka"`
	Telegram      TelegramConfig            `mapstructure:"telegram"`
	Notifications NotificationsConfig       `mapstructure:"notifications"`
	Server        ServerConfig              `mapstructure:"server"`
	Retention     RetentionConfig           `mapstructure:"retention"`
	Exchanges     map[string]ExchangeConfig `mapstructure:"exchanges" validate:"dive"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// ArbitrageConfig defines the arbitrage-related settings.
type ArbitrageConfig struct {
	MinProfitPercent  float64       `mapstructure:"min_profit_percent" validate:"gte=0"`
	MinVolumeQuote    float64       `mapstructure:"min_volume_quote" validate:"gte=0"`
	AlertCooldown     time.Duration `mapstructure:"alert_cooldown" validate:"gte=0"`
	FreshnessWindow   time.Duration `mapstructure:"freshness_window" validate:"gt=0"`
	ReferenceNotional float64       `mapstructure:"reference_notional" validate:"gt=0"`
	DefaultCommission float64       `mapstructure:"default_commission" validate:"gte=0,lt=1"`
	VolumeFallback    string        `mapstructure:"volume_fallback" validate:"oneof=fail_closed fail_open"`
}

// ParserConfig controls the exchange HTTP transport.
type ParserConfig struct {
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	RetryAttempts    int           `mapstructure:"retry_attempts" validate:"gte=0,lte=10"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	KlineLimit       int           `mapstructure:"kline_limit" validate:"gt=0,lte=1000"`
	AllowedIntervals []string      `mapstructure:"allowed_intervals" validate:"min=1"`
}

// ScheduleConfig defines the cadence of the periodic tasks.
type ScheduleConfig struct {
	SampleInterval  time.Duration `mapstructure:"sample_interval" validate:"gt=0"`
	AnalyzeInterval time.Duration `mapstructure:"analyze_interval" validate:"gt=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
}

// JobsConfig defines chunking and per-job retry policy.
type JobsConfig struct {
	SampleChunkSize  int           `mapstructure:"sample_chunk_size" validate:"gt=0"`
	AnalyzeChunkSize int           `mapstructure:"analyze_chunk_size" validate:"gt=0"`
	SampleTimeout    time.Duration `mapstructure:"sample_timeout" validate:"gt=0"`
	SampleAttempts   int           `mapstructure:"sample_attempts" validate:"gt=0"`
	AnalyzeTimeout   time.Duration `mapstructure:"analyze_timeout" validate:"gt=0"`
	AnalyzeAttempts  int           `mapstructure:"analyze_attempts" validate:"gt=0"`
	Workers          int           `mapstructure:"workers" validate:"gt=0"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory redis kafka"`
	Name   string `mapstructure:"name" validate:"required"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DSN builds a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, port, d.DBName, sslMode)
}

// RedisConfig defines the Redis connection used for locks, queues and events.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// KafkaConfig defines the brokers used by the kafka queue driver.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// TelegramConfig holds the bot credentials for alert delivery.
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIURL   string        `mapstructure:"api_url" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NotificationsConfig toggles alert delivery.
type NotificationsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerConfig defines the status HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RetentionConfig defines the cleanup horizons.
type RetentionConfig struct {
	OpportunityDeactivateAfter time.Duration `mapstructure:"opportunity_deactivate_after" validate:"gt=0"`
	OpportunityDeleteAfter     time.Duration `mapstructure:"opportunity_delete_after" validate:"gtfield=OpportunityDeactivateAfter"`
	PriceHistory               time.Duration `mapstructure:"price_history" validate:"gt=0"`
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	Commission *float64 `mapstructure:"commission" validate:"omitempty,gte=0,lt=1"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("arbitrage.min_profit_percent", 2.0)
	v.SetDefault("arbitrage.min_volume_quote", 100.0)
	v.SetDefault("arbitrage.alert_cooldown", 10*time.Minute)
	v.SetDefault("arbitrage.freshness_window", 5*time.Minute)
	v.SetDefault("arbitrage.reference_notional", 1000.0)
	v.SetDefault("arbitrage.default_commission", 0.001)
	v.SetDefault("arbitrage.volume_fallback", "fail_closed")

	v.SetDefault("parser.timeout", 10*time.Second)
	v.SetDefault("parser.connect_timeout", 5*time.Second)
	v.SetDefault("parser.retry_attempts", 3)
	v.SetDefault("parser.retry_delay", time.Second)
	v.SetDefault("parser.kline_limit", 100)
	v.SetDefault("parser.allowed_intervals", []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"})

	v.SetDefault("schedule.sample_interval", 5*time.Minute)
	v.SetDefault("schedule.analyze_interval", 5*time.Minute)
	v.SetDefault("schedule.cleanup_interval", 24*time.Hour)

	v.SetDefault("jobs.sample_chunk_size", 20)
	v.SetDefault("jobs.analyze_chunk_size", 50)
	v.SetDefault("jobs.sample_timeout", 3*time.Minute)
	v.SetDefault("jobs.sample_attempts", 2)
	v.SetDefault("jobs.analyze_timeout", 5*time.Minute)
	v.SetDefault("jobs.analyze_attempts", 3)
	v.SetDefault("jobs.workers", 4)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.name", "arbwatch-jobs")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "arbwatch")
	v.SetDefault("database.dbname", "arbwatch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})

	v.SetDefault("kafka.group_id", "arbwatch-workers")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", 10*time.Second)
	v.SetDefault("notifications.enabled", true)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("retention.opportunity_deactivate_after", 24*time.Hour)
	v.SetDefault("retention.opportunity_delete_after", 7*24*time.Hour)
	v.SetDefault("retention.price_history", 90*24*time.Hour)
}

// New returns a viper instance configured for path with defaults and
// environment overrides applied. The config file is optional.
func New(path string) *viper.Viper {
	// A missing .env is not an error.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(path)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("ARBWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*viper.Viper, Config, error) {
	return LoadConfigWithFlags(path, nil, nil)
}

// LoadConfigWithFlags is LoadConfig with command-line flags bound to config
// keys. keys maps a flag name to its key; a flag overrides file and
// environment values only when it was set.
func LoadConfigWithFlags(path string, fs *pflag.FlagSet, keys map[string]string) (*viper.Viper, Config, error) {
	v := New(path)

	for name, key := range keys {
		flag := fs.Lookup(name)
		if flag == nil {
			return nil, Config{}, fmt.Errorf("config: unknown flag %q", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, Config{}, fmt.Errorf("config: bind flag %q: %w", name, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, Config{}, err
	}
	return v, cfg, nil
}
