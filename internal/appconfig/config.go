// Package appconfig loads the process configuration of the deepaudit
// service from a YAML file with DEEPAUDIT_* environment overrides.
package appconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/DragonitePlus/DeepAudit/internal/alert"
	"github.com/DragonitePlus/DeepAudit/internal/logging"
	"github.com/DragonitePlus/DeepAudit/internal/messaging"
	"github.com/DragonitePlus/DeepAudit/internal/mlscore"
	"github.com/DragonitePlus/DeepAudit/internal/storage/gormstore"
)

// EnvPrefix prefixes every environment override, e.g. DEEPAUDIT_STORAGE_DSN.
const EnvPrefix = "DEEPAUDIT"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// ML transports.
const (
	TransportNone = "none"
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config is the full process configuration.
type Config struct {
	Log     logging.Config      `mapstructure:"log"`
	Risk    RiskConfig          `mapstructure:"risk"`
	Storage StorageConfig       `mapstructure:"storage"`
	Redis   RedisConfig         `mapstructure:"redis"`
	Kafka   messaging.Config    `mapstructure:"kafka"`
	ML      MLConfig            `mapstructure:"ml"`
	Journal JournalConfig       `mapstructure:"journal"`
	Engine  EngineConfig        `mapstructure:"engine"`
	Refresh RefreshConfig       `mapstructure:"refresh"`
	Trend   TrendConfig         `mapstructure:"trend"`
	Alerts  []alert.AlertConfig `mapstructure:"alerts"`
	Ops     OpsConfig           `mapstructure:"ops"`
}

type RiskConfig struct {
	// ConfigPath is the RiskConfig YAML watched for hot reload.
	ConfigPath string `mapstructure:"config_path"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is a file path for sqlite and a connection string otherwise.
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	// PersistInterval bounds how often dirty profiles are flushed.
	PersistInterval time.Duration `mapstructure:"persist_interval"`
}

// Gorm returns the GORM backend settings.
func (s StorageConfig) Gorm() gormstore.Config {
	return gormstore.Config{
		Driver:          s.Driver,
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		SlowQuery:       s.SlowQuery,
		AutoMigrate:     s.AutoMigrate,
	}
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Profiles stores risk profiles in Redis instead of the storage driver.
	Profiles   bool          `mapstructure:"profiles"`
	ProfileTTL time.Duration `mapstructure:"profile_ttl"`
	// ConfigSync subscribes to RiskConfig updates on the pub/sub channel.
	ConfigSync bool `mapstructure:"config_sync"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type MLConfig struct {
	Transport     string        `mapstructure:"transport"`
	Endpoint      string        `mapstructure:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxInFlight   int64         `mapstructure:"max_in_flight"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// Guard returns the scorer bounds.
func (m MLConfig) Guard() mlscore.GuardConfig {
	return mlscore.GuardConfig{
		Timeout:       m.Timeout,
		MaxInFlight:   m.MaxInFlight,
		RatePerSecond: m.RatePerSecond,
		Burst:         m.Burst,
	}
}

type JournalConfig struct {
	// Path of the hash-chained JSONL journal. Empty disables it.
	Path string `mapstructure:"path"`
}

type EngineConfig struct {
	ExcludedTables []string `mapstructure:"excluded_tables"`
}

type RefreshConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type TrendConfig struct {
	Slot time.Duration `mapstructure:"slot"`
}

type OpsConfig struct {
	// Addr of the health and metrics listener. Empty disables it.
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.add_source", false)

	v.SetDefault("risk.config_path", "")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_open_conns", 20)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.slow_query", 200*time.Millisecond)
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("storage.persist_interval", time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.profiles", false)
	v.SetDefault("redis.profile_ttl", 7*24*time.Hour)
	v.SetDefault("redis.config_sync", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.audit_topic", messaging.DefaultAuditTopic)
	v.SetDefault("kafka.feedback_topic", messaging.DefaultFeedbackTopic)
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("kafka.batch_timeout", 50*time.Millisecond)
	v.SetDefault("kafka.async", false)

	v.SetDefault("ml.transport", TransportNone)
	v.SetDefault("ml.endpoint", "")
	v.SetDefault("ml.timeout", 200*time.Millisecond)
	v.SetDefault("ml.max_in_flight", 64)
	v.SetDefault("ml.rate_per_second", 0)
	v.SetDefault("ml.burst", 0)

	v.SetDefault("journal.path", "")
	v.SetDefault("engine.excluded_tables", []string{})
	v.SetDefault("refresh.interval", time.Minute)
	v.SetDefault("trend.slot", time.Minute)
	v.SetDefault("ops.addr", "")
}

// Load reads path, if given, then applies environment overrides. With an
// empty path only defaults and the environment are used.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("appconfig: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("appconfig: decode: %w", err)
	}
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverMySQL, DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch c.ML.Transport {
	case "", TransportNone:
	case TransportHTTP, TransportGRPC:
		if c.ML.Endpoint == "" {
			errs = append(errs, fmt.Errorf("ml.endpoint is required for transport %s", c.ML.Transport))
		}
	default:
		errs = append(errs, fmt.Errorf("ml.transport: unknown transport %q", c.ML.Transport))
	}

	if (c.Redis.Profiles || c.Redis.ConfigSync) && !c.Redis.Enabled() {
		errs = append(errs, errors.New("redis.addr is required when redis.profiles or redis.config_sync is set"))
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("alerts[%d].url is required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("appconfig: %w", err)
	}
	return nil
}
