// Package app assembles the direct-funding service from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/httpapi"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/metrics"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/storage"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/storage/memory"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/storage/postgres"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/system"
	"github.com/R3E-Network/vrf_direct_funding/internal/config"
	"github.com/R3E-Network/vrf_direct_funding/internal/coordinator"
	"github.com/R3E-Network/vrf_direct_funding/internal/events"
	"github.com/R3E-Network/vrf_direct_funding/internal/gasbank"
	"github.com/R3E-Network/vrf_direct_funding/internal/oracle"
	"github.com/R3E-Network/vrf_direct_funding/internal/platform/migrations"
	"github.com/R3E-Network/vrf_direct_funding/internal/wrapper"
	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

// Application ties the tracker and its collaborators together and manages
// their lifecycle.
type Application struct {
	cfg     *config.Config
	manager *system.Manager
	log     *logger.Logger
	closers []io.Closer

	Events      *events.Log
	Store       storage.RequestStore
	Ledger      *gasbank.Manager
	Feed        *oracle.Feed
	Metrics     *metrics.Metrics
	Tracker     *wrapper.Tracker
	Coordinator *coordinator.Mock
}

// New builds a fully initialised application from cfg.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Application{
		cfg:     cfg,
		manager: system.NewManager(),
		log:     log,
		Events:  events.NewLog(cfg.Events.Capacity),
		Metrics: metrics.New(true),
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	ledgerStore, err := a.openLedger(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ledger = gasbank.NewManager(ledgerStore, log.Named("gasbank"))

	gasPrice, rate, err := cfg.OracleSeed()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Feed = oracle.NewFeed(gasPrice, rate)

	settings, err := cfg.WrapperSettings()
	if err != nil {
		a.Close()
		return nil, err
	}
	tracker, err := wrapper.New(settings, wrapper.Deps{
		Ledger: a.Ledger,
		Oracle: a.Feed,
		Sink:   a.Events,
		Store:  a.Store,
	}, log.Named("wrapper"))
	if err != nil {
		a.Close()
		return nil, err
	}
	tracker.WithRecorder(a.Metrics)
	a.Tracker = tracker

	var services []system.Service
	if cfg.Oracle.SourceURL != "" {
		fetcher := &oracle.HTTPFetcher{
			URL:          cfg.Oracle.SourceURL,
			GasPricePath: cfg.Oracle.GasPricePath,
			RatePath:     cfg.Oracle.RatePath,
			Client:       &http.Client{Timeout: 10 * time.Second},
		}
		services = append(services, oracle.NewRefresher(a.Feed, fetcher, cfg.Oracle.Schedule, log.Named("oracle")))
	} else {
		log.Info("oracle source_url not set; using static gas price and rate")
	}

	if cfg.Coordinator.Enabled {
		a.Coordinator = coordinator.NewMock(tracker, a.Events, coordinator.Options{
			FulfillDelay: cfg.Coordinator.FulfillDelay,
			RetryDelay:   cfg.Coordinator.RetryDelay,
			Manual:       cfg.Coordinator.Manual,
		}, log.Named("coordinator")).WithBacklog(a.Store)
		tracker.WithDispatcher(a.Coordinator)
		services = append(services, a.Coordinator)
	} else {
		log.Warn("coordinator disabled; requests must be fulfilled through the API")
		services = append(services, system.NoopService{ServiceName: "coordinator"})
	}

	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			a.Close()
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return a, nil
}

func (a *Application) openStore(ctx context.Context) (storage.RequestStore, error) {
	if strings.ToLower(a.cfg.Storage.Driver) != config.DriverPostgres {
		return memory.New(), nil
	}
	db, err := postgres.Open(ctx, a.cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db)
	if a.cfg.Storage.Migrate {
		if err := migrateStore(ctx, a.cfg.Storage.MigrateMode, a.cfg.Storage.DSN, db.DB); err != nil {
			return nil, err
		}
	}
	a.log.Info("request store: postgres")
	return postgres.New(db), nil
}

func migrateStore(ctx context.Context, mode, dsn string, db *sql.DB) error {
	if strings.ToLower(mode) == config.MigrateSimple {
		return migrations.Apply(ctx, db)
	}
	return migrations.Up(dsn)
}

func (a *Application) openLedger(ctx context.Context) (gasbank.Store, error) {
	if strings.ToLower(a.cfg.Ledger.Driver) != config.DriverRedis {
		return gasbank.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Ledger.RedisAddr,
		Password: a.cfg.Ledger.RedisPassword,
		DB:       a.cfg.Ledger.RedisDB,
	})
	a.closers = append(a.closers, client)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.log.Info("ledger: redis")
	return gasbank.NewRedisStore(client, a.cfg.Ledger.Prefix), nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Close releases database and cache connections.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Handler returns the HTTP API for the application.
func (a *Application) Handler(audit io.Writer) http.Handler {
	deps := httpapi.Deps{
		Wrapper: a.Tracker,
		Ledger:  a.Ledger,
		Events:  a.Events,
		Metrics: a.Metrics,
		Log:     a.log.Named("http"),
	}
	if a.Coordinator != nil {
		deps.Coordinator = a.Coordinator
	}
	return httpapi.NewHandler(deps, httpapi.Options{
		AuthSecret:  a.cfg.Server.AuthSecret,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AuditWriter: audit,
	})
}
