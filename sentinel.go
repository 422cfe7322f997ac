// Package sentinel wires the Elasticsearch log-alerting engine together:
// storage, scheduling, evaluation, notification, and a thin HTTP shell.
// Embedders construct an App with New and run it with Run.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/elasticwatch/sentinel/internal/cleanup"
	"github.com/elasticwatch/sentinel/internal/config"
	"github.com/elasticwatch/sentinel/internal/esclient"
	"github.com/elasticwatch/sentinel/internal/evaluator"
	"github.com/elasticwatch/sentinel/internal/model"
	"github.com/elasticwatch/sentinel/internal/notifier"
	"github.com/elasticwatch/sentinel/internal/scheduler"
	"github.com/elasticwatch/sentinel/internal/secretcrypto"
	"github.com/elasticwatch/sentinel/internal/server"
	"github.com/elasticwatch/sentinel/internal/storage"
	"github.com/elasticwatch/sentinel/internal/telemetry"
	"github.com/elasticwatch/sentinel/migrations"
)

// App owns every long-lived dependency of the service and the
// background loops that run it.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	db        *storage.DB
	box       *secretcrypto.Box
	shutdown  []func(context.Context) error
	scheduler *scheduler.Scheduler
	cleanup   *cleanup.Worker
	server    *server.Server
}

// Scheduler exposes the trigger capability for embedders that need to
// force re-evaluation of a rule from outside this package — the DI seam
// that replaces a package-level scheduler singleton with an injected
// handle.
func (a *App) Scheduler() TriggerHandle {
	return a.scheduler
}

// New builds an App: it loads configuration, connects to storage,
// migrates the schema, and wires every subsystem. The returned App has
// not started any background loop yet; call Run for that.
func New(opts ...Option) (*App, error) {
	var resolved resolvedOptions
	for _, opt := range opts {
		opt(&resolved)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("sentinel: load config: %w", err)
	}
	if resolved.port != 0 {
		cfg.Port = resolved.port
	}
	if resolved.databaseURL != "" {
		cfg.DatabaseURL = resolved.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sentinel: invalid config: %w", err)
	}

	logger := resolved.logger
	if logger == nil {
		logger = slog.Default()
	}

	version := resolved.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("sentinel: init telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("sentinel: connect storage: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("sentinel: run migrations: %w", err)
	}
	for _, extra := range resolved.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			db.Close()
			return nil, fmt.Errorf("sentinel: run extra migrations: %w", err)
		}
	}

	var box *secretcrypto.Box
	if len(cfg.EncryptionKey) > 0 {
		box, err = secretcrypto.New(cfg.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sentinel: init secret box: %w", err)
		}
	}

	clientFactory := resolved.clientFactory
	if clientFactory == nil {
		clientFactory = defaultClientFactory(box, cfg.ESQueryTimeout)
	}

	var notify Notifier = resolved.notifier
	if notify == nil {
		notify = webhookNotifier{notifier.New()}
	}

	var defaultSource *model.DataSource
	if len(cfg.ESDefaultEndpoints) > 0 {
		defaultSource = &model.DataSource{
			Name:      "default",
			Endpoints: cfg.ESDefaultEndpoints,
			Enabled:   true,
			TLS: model.TLSPolicy{
				UseTLS:     cfg.ESDefaultUseSSL,
				SkipVerify: cfg.ESDefaultSkipVerify,
			},
		}
	}

	eval := evaluator.New(db, evaluator.ClientFactory(clientFactory), evaluator.NotifierFunc(notify.Send), evaluator.Config{
		BatchSize:       cfg.WorkerBatchSize,
		MaxAttempts:     cfg.WorkerRetryTimes,
		SendTimeout:     cfg.AlertSendTimeout,
		DefaultSourceID: cfg.DefaultDataSourceID,
		DefaultSource:   defaultSource,
	}, logger)

	sched := scheduler.New(db, schedulerExecutor{eval}, scheduler.Config{
		ReconcileInterval: cfg.WorkerCheckInterval,
		MaxConcurrency:    cfg.WorkerMaxConcurrency,
	}, logger)

	cleanupWorker := cleanup.New(db, logger)

	var extraRoutes []func(*http.ServeMux, server.TriggerHandle)
	for _, reg := range resolved.routeRegistrars {
		reg := reg
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, trigger server.TriggerHandle) {
			reg(mux, trigger)
		})
	}
	var extraMiddleware []func(http.Handler) http.Handler
	for _, mw := range resolved.middlewares {
		mw := mw
		extraMiddleware = append(extraMiddleware, func(h http.Handler) http.Handler { return mw(h) })
	}

	srv := server.New(server.Config{
		DB:              db,
		Trigger:         sched,
		Logger:          logger,
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		Version:         version,
		ExtraRoutes:     extraRoutes,
		ExtraMiddleware: extraMiddleware,
	})

	app := &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		box:       box,
		shutdown:  []func(context.Context) error{otelShutdown},
		scheduler: sched,
		cleanup:   cleanupWorker,
		server:    srv,
	}
	return app, nil
}

// Run starts the scheduler, the retention sweep, and the HTTP server,
// blocking until ctx is cancelled or a background component fails, then
// performs an orderly shutdown.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.WorkerEnabled {
		a.scheduler.Start(ctx)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.cleanup.Run(gctx)
		return nil
	})
	group.Go(func() error {
		err := a.server.Start()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	a.Shutdown(context.Background())
	return err
}

// Shutdown releases resources that outlive the background loops started
// by Run: the rule scheduler's in-flight tasks, the telemetry exporter,
// and the storage pool. Safe to call after Run returns.
func (a *App) Shutdown(ctx context.Context) {
	if a.cfg.WorkerEnabled {
		deadline := a.cfg.ShutdownTimeout
		if deadline <= 0 {
			deadline = 10 * time.Second
		}
		a.scheduler.Stop(deadline)
	}

	for _, fn := range a.shutdown {
		if fn == nil {
			continue
		}
		if err := fn(ctx); err != nil {
			a.logger.Error("shutdown hook failed", "error", err)
		}
	}
	a.db.Close()
}

// defaultClientFactory builds the production ESClientFactory: decrypt
// the stored password if a secret box is configured, then dial the
// data source's Elasticsearch endpoints.
func defaultClientFactory(box *secretcrypto.Box, queryTimeout time.Duration) ESClientFactory {
	return func(ds model.DataSource) (evaluator.ESQuerier, error) {
		if box != nil && ds.Password != "" {
			plain, err := box.Open(ds.Password)
			if err != nil {
				return nil, fmt.Errorf("sentinel: decrypt data source password: %w", err)
			}
			ds.Password = plain
		}
		return esclient.New(ds, queryTimeout)
	}
}

// webhookNotifier adapts *notifier.Notifier's Result-returning Send to
// the (bool, error) shape the Notifier interface expects.
type webhookNotifier struct {
	n *notifier.Notifier
}

func (w webhookNotifier) Send(ctx context.Context, rule model.Rule, sample []model.LogDoc, originalCount int, from, to time.Time, maxAttempts int) (bool, error) {
	result := w.n.Send(ctx, rule, sample, originalCount, from, to, maxAttempts)
	return result.Sent, result.Err
}

// schedulerExecutor adapts *evaluator.Evaluator to scheduler.Executor.
type schedulerExecutor struct {
	eval *evaluator.Evaluator
}

func (e schedulerExecutor) Execute(ctx context.Context, rule model.Rule, force bool) scheduler.Outcome {
	out := e.eval.Execute(ctx, rule, force)
	return scheduler.Outcome{Skipped: out.Skipped, Matched: out.Matched, Err: out.Err}
}
