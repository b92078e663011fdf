/*
Package app wires configuration into a running engine.

PURPOSE:
  Both binaries (cmd/server and cmd/duesctl) need the same object graph:
  telemetry, the SQL store, the account source, the gateway adapters, the
  three orchestrators behind a dispatcher and the wallet engine. Build
  assembles it once from a config.Config.

WIRING:
  database.driver/dsn        -> store/sqlstore
  billing.rates_file         -> membership.FileSource (empty: no accounts)
  gateway.notify_url         -> reminders (empty: send-reminders disabled)
  gateway.payment_url        -> retries   (empty: retry-failed disabled)
  telemetry.*                -> observability provider and run tracker
  redis.addr                 -> scheduler run lock (see RunLock)

SEE ALSO:
  - config/config.go: Keys and defaults
  - cmd/server/main.go, cmd/duesctl: Callers
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/warp/remittance-engine/billing"
	"github.com/warp/remittance-engine/config"
	"github.com/warp/remittance-engine/gateway"
	"github.com/warp/remittance-engine/membership"
	"github.com/warp/remittance-engine/observability"
	"github.com/warp/remittance-engine/store/redislock"
	"github.com/warp/remittance-engine/store/sqlstore"
	"github.com/warp/remittance-engine/wallet"
)

// App is the assembled engine.
type App struct {
	Config     config.Config
	Store      *sqlstore.Store
	Dispatcher *billing.Dispatcher
	Wallet     *wallet.Engine
	Telemetry  *observability.Provider
	Logger     *slog.Logger
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unsupported %q", cfg.Format)
	}
}

// Build assembles the engine. The caller owns the result and must Close it.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger := slog.Default().With("component", "app")

	telemetry, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	tracker, err := observability.NewTracker()
	if err != nil {
		telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create run tracker: %w", err)
	}

	store, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		telemetry.Shutdown(ctx)
		return nil, err
	}

	var source billing.AccountSource = billing.StaticSource{}
	if cfg.Billing.RatesFile != "" {
		source = &membership.FileSource{Path: cfg.Billing.RatesFile}
	} else {
		logger.Warn("billing.rates_file not set, calculate-period will find no accounts")
	}

	calc := billing.NewCalculator(store, source, cfg.Billing.Currency)
	calc.Tracker = tracker
	dispatcher := &billing.Dispatcher{Calculator: calc}

	if cfg.Gateway.NotifyURL != "" {
		rem := billing.NewReminderOrchestrator(store,
			gateway.NewNotifier(cfg.Gateway.NotifyURL, cfg.Gateway.Timeout),
			billing.ReminderSchedule{
				SevenDayLead: cfg.Reminders.SevenDayLead,
				OneDayLead:   cfg.Reminders.OneDayLead,
			})
		rem.SendTimeout = cfg.Reminders.SendTimeout
		if cfg.Reminders.PerSecond > 0 {
			rem.Limiter = rate.NewLimiter(rate.Limit(cfg.Reminders.PerSecond), 1)
		}
		rem.Tracker = tracker
		dispatcher.Reminders = rem
	} else {
		logger.Warn("gateway.notify_url not set, send-reminders is disabled")
	}

	if cfg.Gateway.PaymentURL != "" {
		retries := billing.NewRetryOrchestrator(store,
			gateway.NewPaymentClient(cfg.Gateway.PaymentURL, cfg.Gateway.Timeout),
			billing.BackoffPolicy{
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
				MaxAttempts: cfg.Retry.MaxAttempts,
			})
		retries.ChargeTimeout = cfg.Retry.ChargeTimeout
		retries.Tracker = tracker
		dispatcher.Retries = retries
	} else {
		logger.Warn("gateway.payment_url not set, retry-failed is disabled")
	}

	engine := wallet.NewEngine(store)
	engine.MaxPageSize = cfg.Wallet.MaxPageSize

	return &App{
		Config:     cfg,
		Store:      store,
		Dispatcher: dispatcher,
		Wallet:     engine,
		Telemetry:  telemetry,
		Logger:     logger,
	}, nil
}

// RunLock returns the redis-backed scheduler lock, or nil when redis.addr
// is empty.
func (a *App) RunLock() *redislock.Locker {
	if a.Config.Redis.Addr == "" {
		return nil
	}
	return redislock.NewFromAddr(a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB, a.Config.Redis.LockTTL)
}

// Close flushes telemetry and closes the store.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Telemetry.Shutdown(ctx), a.Store.Close())
}
