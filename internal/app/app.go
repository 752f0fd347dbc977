package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voltchain/internal/alerting"
	"voltchain/internal/config"
	"voltchain/internal/devices"
	"voltchain/internal/events"
	"voltchain/internal/httpapi"
	"voltchain/internal/ingest"
	"voltchain/internal/lease"
	"voltchain/internal/logging"
	"voltchain/internal/ledger"
	"voltchain/internal/reconcile"
	"voltchain/internal/scheduler"
	"voltchain/internal/settlement"
	"voltchain/internal/storage"
)

const leaseKey = "voltchain:flush-lock"

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// newPublisher dials the event exchange. A failed dial degrades to no events.
func (a *App) newPublisher() (events.Publisher, func()) {
	if !a.Config.Events.Enabled {
		return events.Nop{}, func() {}
	}
	pub, err := events.DialAMQP(a.Config.Events.URL, a.Config.Events.Exchange, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("event stream unavailable; continuing without events")
		return events.Nop{}, func() {}
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close event stream")
		}
	}
}

func (a *App) newLocker(store *storage.Store) (reconcile.Locker, func(), error) {
	cfg := a.Config.Reconcile
	switch cfg.LockDriver {
	case config.LockDriverRedis:
		client, err := lease.NewRedisClient(a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closer := func() { _ = client.Close() }
		return lease.NewRedisLocker(client, leaseKey, cfg.LeaseTTL), closer, nil
	default:
		return reconcile.AdvisoryLock{Locker: store, Key: cfg.AdvisoryLockKey}, func() {}, nil
	}
}

// newLedger returns nil when the ledger is disabled, so flushes report
// "not configured" instead of failing.
func (a *App) newLedger() (ledger.Client, error) {
	client, err := ledger.New(a.Config.Ledger, a.Logger)
	if errors.Is(err, ledger.ErrNotConfigured) {
		return nil, nil
	}
	return client, err
}

type pipeline struct {
	store     *storage.Store
	processor *reconcile.Processor
	publisher events.Publisher
	closers   []func()
}

func (p *pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// newPipeline opens the store and builds the flush processor with its lock,
// event publisher and notifier.
func (a *App) newPipeline(ctx context.Context) (*pipeline, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	p := &pipeline{store: store, closers: []func(){closeStore}}

	client, err := a.newLedger()
	if err != nil {
		p.close()
		return nil, err
	}

	locker, closeLocker, err := a.newLocker(store)
	if err != nil {
		p.close()
		return nil, err
	}
	p.closers = append(p.closers, closeLocker)

	publisher, closePublisher := a.newPublisher()
	p.publisher = publisher
	p.closers = append(p.closers, closePublisher)

	cfg := a.Config.Reconcile
	p.processor = reconcile.New(store, client, locker, publisher, a.newNotifier(), reconcile.Options{
		LedgerEnabled: a.Config.LedgerConfigured(),
		BatchSize:     cfg.BatchSize,
		Concurrency:   cfg.Concurrency,
		ItemTimeout:   a.Config.Ledger.SubmitTimeout,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		AlertMinimum:  a.Config.Alerting.FailureMinimum,
	}, a.Logger)
	return p, nil
}

// Serve runs the HTTP gateway and, when enabled, the scheduled flush until
// SIGINT or SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := a.newPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	if !p.processor.Configured() {
		a.Logger.Warn().Msg("ledger not configured; readings will be stored as sent")
	}

	gateway := ingest.NewGateway(p.store, p.store, p.publisher, ingest.Options{
		LedgerEnabled:   a.Config.LedgerConfigured(),
		FreshnessWindow: a.Config.Ingest.FreshnessWindow,
		TouchTimeout:    a.Config.Ingest.TouchTimeout,
	}, a.Logger)

	router := httpapi.NewRouter(httpapi.Deps{
		Ingest: gateway,
		Flush:  p.processor,
		Devices: devices.NewService(p.store, devices.Limits{
			Default: a.Config.Ingest.ReadingsDefLimit,
			Max:     a.Config.Ingest.ReadingsMaxLimit,
		}, a.Logger),
		Sales:   settlement.NewService(p.store, settlement.Allocation(a.Config.Settlement.Allocation), a.Logger),
		Backlog: p.store,
		Auth:    httpapi.NewAuthenticator(a.Config.Admin.Token, a.Config.Admin.JWTSecret),
		Settings: httpapi.Settings{
			MaxBodyBytes:  a.Config.HTTP.MaxBodyBytes,
			CurrencyUnits: a.Config.Settlement.CurrencyUnits,
			ServiceName:   a.Config.App.Name,
		},
	}, a.Logger)

	var sched *scheduler.Scheduler
	if a.Config.Reconcile.ScheduleEnabled && p.processor.Configured() {
		sched, err = scheduler.New(scheduler.Options{
			Name:         "flush",
			Interval:     a.Config.Reconcile.Interval,
			StartupDelay: a.Config.Reconcile.StartupDelay,
		}, a.Logger)
		if err != nil {
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.NewServer(a.Config.HTTP, router, a.Logger).Run(gctx)
	})
	if sched != nil {
		group.Go(func() error {
			err := sched.Run(gctx, p.processor.FlushTick)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	a.Logger.Info().Str("addr", a.Config.HTTP.Addr).Msg("starting voltchain gateway")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("gateway terminated with error")
		return err
	}
	a.Logger.Info().Msg("gateway stopped")
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()
	return store.Migrate(ctx)
}

// ExportOptions hold parameters for exporting device production.
type ExportOptions struct {
	DeviceID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the readings show command.
type ShowOptions struct {
	DeviceID string
	Limit    int
	Status   string
}

// FlushOptions configure the flush command.
type FlushOptions struct {
	Drain     bool
	MaxRounds int
}
