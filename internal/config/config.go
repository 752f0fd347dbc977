package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"voltchain/internal/logging"
)

// Ledger drivers.
const (
	LedgerDriverHTTP = "http"
	LedgerDriverEVM  = "evm"
)

// Flush lock drivers.
const (
	LockDriverPostgres = "postgres"
	LockDriverRedis    = "redis"
)

const (
	// MaxBatchSize bounds the readings one flush selects.
	MaxBatchSize = 50
	// minLeaseTTL leaves room for renewals at a third of the TTL.
	minLeaseTTL = 10 * time.Second
)

// Settlement allocation modes.
const (
	AllocationFloor            = "floor"
	AllocationLargestRemainder = "largest_remainder"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Events     EventsConfig     `mapstructure:"events"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// AdminConfig holds operator credentials. Either may be empty.
type AdminConfig struct {
	Token     string `mapstructure:"token"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Configured reports whether any admin credential exists.
func (a AdminConfig) Configured() bool {
	return a.Token != "" || a.JWTSecret != ""
}

// IngestConfig tunes the device ingestion path.
type IngestConfig struct {
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
	TouchTimeout     time.Duration `mapstructure:"touch_timeout"`
	ReadingsMaxLimit int           `mapstructure:"readings_max_limit"`
	ReadingsDefLimit int           `mapstructure:"readings_default_limit"`
}

// LedgerConfig selects and configures the distributed ledger client.
type LedgerConfig struct {
	Enabled       bool             `mapstructure:"enabled"`
	Driver        string           `mapstructure:"driver"`
	SubmitTimeout time.Duration    `mapstructure:"submit_timeout"`
	HTTP          LedgerHTTPConfig `mapstructure:"http"`
	EVM           LedgerEVMConfig  `mapstructure:"evm"`
}

// LedgerHTTPConfig covers a REST ledger gateway.
type LedgerHTTPConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	UserAgent string `mapstructure:"user_agent"`
}

// LedgerEVMConfig covers an EVM registry contract.
type LedgerEVMConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	PrivateKey      string `mapstructure:"private_key"`
	ChainID         int64  `mapstructure:"chain_id"`
	GasLimit        uint64 `mapstructure:"gas_limit"`
}

// ReconcileConfig governs ledger flushes.
type ReconcileConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	LockDriver      string        `mapstructure:"lock_driver"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	ScheduleEnabled bool          `mapstructure:"schedule_enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	DrainMaxRounds  int           `mapstructure:"drain_max_rounds"`
}

// RedisConfig covers the optional lease backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventsConfig covers the optional AMQP event stream.
type EventsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// AlertingConfig defines operator notifications for flush failures.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	FailureMinimum int            `mapstructure:"failure_minimum"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SettlementConfig controls payout allocation.
type SettlementConfig struct {
	Allocation    string `mapstructure:"allocation"`
	CurrencyUnits int32  `mapstructure:"currency_units"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VOLTCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "voltchain")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.max_body_bytes", int64(64<<10))

	v.SetDefault("admin.token", "")
	v.SetDefault("admin.jwt_secret", "")

	v.SetDefault("ingest.freshness_window", "30s")
	v.SetDefault("ingest.touch_timeout", "2s")
	v.SetDefault("ingest.readings_max_limit", 1000)
	v.SetDefault("ingest.readings_default_limit", 100)

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.driver", LedgerDriverHTTP)
	v.SetDefault("ledger.submit_timeout", "15s")
	v.SetDefault("ledger.http.base_url", "")
	v.SetDefault("ledger.http.api_key", "")
	v.SetDefault("ledger.http.user_agent", "voltchain/1.0")
	v.SetDefault("ledger.evm.rpc_url", "")
	v.SetDefault("ledger.evm.contract_address", "")
	v.SetDefault("ledger.evm.private_key", "")
	v.SetDefault("ledger.evm.chain_id", int64(0))
	v.SetDefault("ledger.evm.gas_limit", uint64(120000))

	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.max_attempts", 3)
	v.SetDefault("reconcile.retry_backoff", "1m")
	v.SetDefault("reconcile.lock_driver", LockDriverPostgres)
	v.SetDefault("reconcile.advisory_lock_key", int64(0x766f6c74))
	v.SetDefault("reconcile.lease_ttl", "5m")
	v.SetDefault("reconcile.schedule_enabled", false)
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.startup_delay", "0s")
	v.SetDefault("reconcile.drain_max_rounds", 20)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.url", "")
	v.SetDefault("events.exchange", "voltchain.readings")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.failure_minimum", 1)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("settlement.allocation", AllocationFloor)
	v.SetDefault("settlement.currency_units", int32(2))

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Ingest.FreshnessWindow <= 0 {
		return fmt.Errorf("ingest.freshness_window must be greater than zero")
	}
	if c.Ingest.ReadingsDefLimit <= 0 || c.Ingest.ReadingsDefLimit > c.Ingest.ReadingsMaxLimit {
		return fmt.Errorf("ingest.readings_default_limit must be in (0, readings_max_limit]")
	}
	if c.Reconcile.BatchSize <= 0 || c.Reconcile.BatchSize > MaxBatchSize {
		return fmt.Errorf("reconcile.batch_size must be in [1, %d]", MaxBatchSize)
	}
	if c.Reconcile.Concurrency <= 0 {
		return fmt.Errorf("reconcile.concurrency must be greater than zero")
	}
	if c.Reconcile.MaxAttempts <= 0 {
		return fmt.Errorf("reconcile.max_attempts must be at least 1")
	}
	if c.Reconcile.RetryBackoff < 0 {
		return fmt.Errorf("reconcile.retry_backoff cannot be negative")
	}
	if c.Reconcile.ScheduleEnabled && c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be greater than zero")
	}
	switch c.Reconcile.LockDriver {
	case LockDriverPostgres:
	case LockDriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when reconcile.lock_driver is redis")
		}
		if c.Reconcile.LeaseTTL < minLeaseTTL {
			return fmt.Errorf("reconcile.lease_ttl must be at least %s", minLeaseTTL)
		}
	default:
		return fmt.Errorf("reconcile.lock_driver %q is not supported", c.Reconcile.LockDriver)
	}
	if c.Ledger.Enabled {
		if c.Ledger.SubmitTimeout <= 0 {
			return fmt.Errorf("ledger.submit_timeout must be greater than zero")
		}
		switch c.Ledger.Driver {
		case LedgerDriverHTTP:
			if c.Ledger.HTTP.BaseURL == "" {
				return fmt.Errorf("ledger.http.base_url is required")
			}
		case LedgerDriverEVM:
			if c.Ledger.EVM.RPCURL == "" || c.Ledger.EVM.ContractAddress == "" || c.Ledger.EVM.PrivateKey == "" {
				return fmt.Errorf("ledger.evm.rpc_url, contract_address and private_key are required")
			}
		default:
			return fmt.Errorf("ledger.driver %q is not supported", c.Ledger.Driver)
		}
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	switch c.Settlement.Allocation {
	case AllocationFloor, AllocationLargestRemainder:
	default:
		return fmt.Errorf("settlement.allocation %q is not supported", c.Settlement.Allocation)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// LedgerConfigured reports whether flushes can reach a ledger.
func (c *Config) LedgerConfigured() bool {
	return c.Ledger.Enabled
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
