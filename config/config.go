/*
Package config loads the engine's configuration.

SOURCES (later wins):
  1. Defaults in Default()
  2. Optional YAML file (--config)
  3. Environment variables prefixed DUES_, with dots replaced by
     underscores: retry.max_attempts -> DUES_RETRY_MAX_ATTEMPTS

EXAMPLE FILE:
  server:
    port: 8080
  database:
    driver: postgres
    dsn: postgres://dues@localhost/dues?sslmode=disable
  retry:
    base_delay: 1h
    max_delay: 72h
    max_attempts: 5
  scheduler:
    enabled: true
    interval: 15m

SEE ALSO:
  - cmd/server/main.go: consumer
  - cmd/duesctl: consumer
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "DUES"

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Reminders RemindersConfig `mapstructure:"reminders"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // per client IP
	Burst             int           `mapstructure:"burst"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

type BillingConfig struct {
	Currency  string `mapstructure:"currency"`
	RatesFile string `mapstructure:"rates_file"`
}

type RemindersConfig struct {
	SevenDayLead time.Duration `mapstructure:"seven_day_lead"`
	OneDayLead   time.Duration `mapstructure:"one_day_lead"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	PerSecond    float64       `mapstructure:"per_second"` // 0 = unthrottled
}

type RetryConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	ChargeTimeout time.Duration `mapstructure:"charge_timeout"`
}

type WalletConfig struct {
	MaxPageSize int `mapstructure:"max_page_size"`
}

// SchedulerConfig drives the background ticker. CalculateDay is the day of
// month from which the current period is calculated.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	CalculateDay int           `mapstructure:"calculate_day"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"` // empty disables the run lock
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type GatewayConfig struct {
	NotifyURL  string        `mapstructure:"notify_url"`
	PaymentURL string        `mapstructure:"payment_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			ShutdownTimeout:   30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			AllowedOrigins:    []string{"http://localhost:*"},
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "dues.db"},
		Billing:  BillingConfig{Currency: "USD"},
		Reminders: RemindersConfig{
			SevenDayLead: 7 * 24 * time.Hour,
			OneDayLead:   24 * time.Hour,
			SendTimeout:  10 * time.Second,
		},
		Retry: RetryConfig{
			BaseDelay:     time.Hour,
			MaxDelay:      72 * time.Hour,
			MaxAttempts:   5,
			ChargeTimeout: 30 * time.Second,
		},
		Wallet:    WalletConfig{MaxPageSize: 200},
		Scheduler: SchedulerConfig{Enabled: false, Interval: 15 * time.Minute, CalculateDay: 1},
		Redis:     RedisConfig{LockTTL: 10 * time.Minute},
		Gateway:   GatewayConfig{Timeout: 10 * time.Second},
		Telemetry: TelemetryConfig{ServiceName: "remittance-engine"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads defaults, then path (if non-empty), then DUES_* environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.requests_per_second", d.Server.RequestsPerSecond)
	v.SetDefault("server.burst", d.Server.Burst)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("billing.currency", d.Billing.Currency)
	v.SetDefault("billing.rates_file", d.Billing.RatesFile)

	v.SetDefault("reminders.seven_day_lead", d.Reminders.SevenDayLead)
	v.SetDefault("reminders.one_day_lead", d.Reminders.OneDayLead)
	v.SetDefault("reminders.send_timeout", d.Reminders.SendTimeout)
	v.SetDefault("reminders.per_second", d.Reminders.PerSecond)

	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.charge_timeout", d.Retry.ChargeTimeout)

	v.SetDefault("wallet.max_page_size", d.Wallet.MaxPageSize)

	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.calculate_day", d.Scheduler.CalculateDay)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.lock_ttl", d.Redis.LockTTL)

	v.SetDefault("gateway.notify_url", d.Gateway.NotifyURL)
	v.SetDefault("gateway.payment_url", d.Gateway.PaymentURL)
	v.SetDefault("gateway.timeout", d.Gateway.Timeout)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	if c.Billing.Currency == "" {
		errs = append(errs, errors.New("billing.currency: required"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry.base_delay: must be positive"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay: must be at least base_delay"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts: must be positive"))
	}
	if c.Reminders.OneDayLead <= 0 || c.Reminders.SevenDayLead <= c.Reminders.OneDayLead {
		errs = append(errs, errors.New("reminders: seven_day_lead must exceed one_day_lead > 0"))
	}
	if c.Wallet.MaxPageSize <= 0 {
		errs = append(errs, errors.New("wallet.max_page_size: must be positive"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval: must be positive"))
	}
	if c.Scheduler.CalculateDay < 1 || c.Scheduler.CalculateDay > 28 {
		errs = append(errs, errors.New("scheduler.calculate_day: must be in 1..28"))
	}
	return errors.Join(errs...)
}
