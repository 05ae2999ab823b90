// Package app assembles the engine from configuration: stores, rule
// service, ledger, dispatcher, scheduler, coordinator and the optional
// intake, analytics, metrics and reconciliation components.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/easytrigger/internal/analytics"
	"github.com/djlord-it/easytrigger/internal/api"
	"github.com/djlord-it/easytrigger/internal/circuitbreaker"
	"github.com/djlord-it/easytrigger/internal/config"
	"github.com/djlord-it/easytrigger/internal/coordinator"
	"github.com/djlord-it/easytrigger/internal/cron"
	"github.com/djlord-it/easytrigger/internal/dispatcher"
	"github.com/djlord-it/easytrigger/internal/leaderelection"
	"github.com/djlord-it/easytrigger/internal/ledger"
	"github.com/djlord-it/easytrigger/internal/metrics"
	"github.com/djlord-it/easytrigger/internal/reconciler"
	"github.com/djlord-it/easytrigger/internal/rules"
	"github.com/djlord-it/easytrigger/internal/scheduler"
	"github.com/djlord-it/easytrigger/internal/store/memory"
	"github.com/djlord-it/easytrigger/internal/store/postgres"
	"github.com/djlord-it/easytrigger/internal/transport/natsx"

	_ "github.com/lib/pq"
)

// Store is everything the engine needs from a storage backend.
type Store interface {
	rules.Store
	ledger.Store
	reconciler.Store
	GetState(ctx context.Context, contactID string) (map[string]any, error)
	UpdateField(ctx context.Context, contactID, field string, value any) error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Options selects the surfaces a process exposes.
type Options struct {
	// HTTP serves the API (and /metrics) on HTTP_ADDR.
	HTTP bool
	// RequireNATS fails New when NATS_URL is not configured.
	RequireNATS bool
}

// App is a wired engine. Build it with New, start it with Run and release
// its connections with Close.
type App struct {
	cfg  config.Config
	opts Options

	db          *sql.DB
	store       Store
	redisClient *redis.Client
	natsConn    *nats.Conn

	Rules       *rules.Service
	Ledger      *ledger.Ledger
	Coordinator *coordinator.Coordinator

	httpServer *http.Server
	subscriber *natsx.Subscriber
	elector    *leaderelection.Elector
}

// New wires every component described by cfg. Connections opened here are
// released by Close, including when New fails part way.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if opts.RequireNATS && cfg.NATSURL == "" {
		return nil, errors.New("NATS_URL is required")
	}

	a := &App{cfg: cfg, opts: opts}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg

	var sink metrics.Sink = metrics.NewNoopSink()
	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sink = metrics.NewPrometheusSink(registry)
		log.Printf("easytrigger: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("easytrigger: METRICS_ENABLED not set; metrics disabled")
	}

	if err := a.openStore(ctx); err != nil {
		return err
	}

	a.Rules = rules.NewService(a.store, cfg.CandidateCacheSize)
	a.Ledger = ledger.New(a.store)

	if cfg.RulesFile != "" {
		if err := a.importRules(ctx, cfg.RulesFile); err != nil {
			return err
		}
	}

	disp := dispatcher.New(a.collaborators(), cfg.ActionTimeout).WithMetrics(sink)
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("easytrigger: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	sched := scheduler.New(a.Rules, a.Ledger, a.store, disp).WithMetrics(sink)

	if cfg.RedisAddr != "" {
		a.redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sched = sched.WithAnalytics(analytics.NewRedisSink(a.redisClient, analytics.Config{
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}))
		log.Printf("easytrigger: analytics enabled (redis=%s, window=%s)", cfg.RedisAddr, cfg.AnalyticsWindow)
	} else {
		log.Println("easytrigger: REDIS_ADDR not set; analytics disabled")
	}

	a.Coordinator = coordinator.New(coordinator.Config{
		Workers:      cfg.Workers,
		MailboxSize:  cfg.MailboxSize,
		DrainTimeout: cfg.DrainTimeout,
	}, sched).WithMetrics(sink)

	if cfg.NATSURL != "" {
		natsCfg := natsx.Config{
			URL:      cfg.NATSURL,
			Subject:  cfg.NATSSubject,
			Queue:    cfg.NATSQueue,
			NKeySeed: cfg.NATSNKeySeed,
			Name:     processName(),

			Partitions: cfg.NATSPartitions,
			Partition:  cfg.NATSPartition,
		}
		conn, err := natsx.Connect(natsCfg)
		if err != nil {
			return err
		}
		a.natsConn = conn
		a.subscriber = natsx.NewSubscriber(conn, natsCfg, a.Coordinator).WithMetrics(sink)
	} else {
		log.Println("easytrigger: NATS_URL not set; NATS intake disabled")
	}

	if cfg.ReconcileEnabled {
		if err := a.wireReconciler(sink); err != nil {
			return err
		}
	} else {
		log.Println("easytrigger: RECONCILE_ENABLED not set; reconciler disabled")
	}

	if a.opts.HTTP {
		a.httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           a.httpHandler(sink, registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.cfg
	if cfg.StoreDriver != config.DriverPostgres {
		a.store = memory.New()
		log.Println("easytrigger: using in-memory store; triggers and executions are lost on exit")
		return nil
	}

	if cfg.MigrateOnStart {
		if err := Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	a.db = db
	a.store = postgres.New(db)
	return nil
}

// OpenDB opens and pings a pooled Postgres connection configured from cfg.
func OpenDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("easytrigger: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Migrate applies all pending schema migrations.
func Migrate(databaseURL string) error {
	m, err := postgres.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		return err
	}
	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	log.Printf("easytrigger: schema at version %d (dirty=%t)", version, dirty)
	return nil
}

func (a *App) importRules(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()

	if _, err := a.Rules.Import(ctx, f); err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	return nil
}

// collaborators routes task and message actions to the configured CRM
// service (or the log) and field updates to the contact store that
// conditions read from.
func (a *App) collaborators() dispatcher.Collaborators {
	c := dispatcher.Collaborators{
		Fields:   a.store,
		Webhooks: dispatcher.NewHTTPWebhookSender(),
	}
	if a.cfg.CollaboratorURL != "" {
		hc := dispatcher.NewHTTPCollaborator(a.cfg.CollaboratorURL)
		c.Tasks = hc
		c.Messages = hc
		log.Printf("easytrigger: collaborator service at %s", a.cfg.CollaboratorURL)
	} else {
		c.Tasks = dispatcher.LogCollaborator{}
		c.Messages = dispatcher.LogCollaborator{}
		log.Println("easytrigger: COLLABORATOR_URL not set; tasks and notifications are logged only")
	}
	return c
}

func (a *App) wireReconciler(sink metrics.Sink) error {
	cfg := a.cfg
	schedule, err := cron.Parse(cfg.ReconcileSchedule)
	if err != nil {
		return fmt.Errorf("reconcile schedule: %w", err)
	}

	recon := reconciler.New(reconciler.Config{
		Threshold: cfg.ReconcileThreshold,
		BatchSize: cfg.ReconcileBatchSize,
	}, a.store, a.Ledger, schedule).WithMetrics(sink)

	// Only one instance sharing a database reconciles at a time.
	var locker leaderelection.Locker = leaderelection.LocalLocker{}
	if a.db != nil {
		locker = leaderelection.NewPostgresLocker(a.db, cfg.LeaderLockKey)
	}

	a.elector = leaderelection.New(locker, leaderelection.Config{
		RetryInterval:     cfg.LeaderRetryInterval,
		HeartbeatInterval: cfg.LeaderHeartbeatInterval,
	}, func(ctx context.Context) {
		recon.Run(ctx)
	}, func() {
		log.Println("easytrigger: reconciler paused (not leader)")
	}).WithMetrics(sink)

	log.Printf("easytrigger: reconciler enabled (schedule=%q, threshold=%s, batch=%d, lock=%s)",
		cfg.ReconcileSchedule, cfg.ReconcileThreshold, cfg.ReconcileBatchSize, locker.Name())
	return nil
}

func (a *App) httpHandler(sink metrics.Sink, registry *prometheus.Registry) http.Handler {
	h := api.NewHandler(a.Rules, a.Ledger, a.Coordinator).WithMetrics(sink)
	if pinger, ok := a.store.(api.HealthChecker); ok {
		h.WithHealthChecker("database", pinger)
	}
	if a.redisClient != nil {
		h.WithHealthChecker("redis", redisHealth{a.redisClient})
	}
	if a.natsConn != nil {
		h.WithHealthChecker("nats", natsHealth{a.natsConn})
	}

	if registry == nil {
		return h
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", h)
	return mux
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Shutdown is ordered: intake stops first, then queued
// events are drained, then reconciliation stops.
func (a *App) Run(ctx context.Context) error {
	coordCtx, stopCoordinator := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCoordinator()
	coordDone := make(chan error, 1)
	go func() {
		coordDone <- a.Coordinator.Run(coordCtx)
	}()

	reconCtx, stopReconciler := context.WithCancel(context.WithoutCancel(ctx))
	defer stopReconciler()
	reconDone := make(chan struct{})
	go func() {
		defer close(reconDone)
		if a.elector != nil {
			a.elector.Run(reconCtx)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if a.httpServer != nil {
		g.Go(func() error {
			log.Printf("easytrigger: http server listening on %s", a.httpServer.Addr)
			if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Println("easytrigger: stopping http server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTPShutdownTimeout)
			defer cancel()
			if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("easytrigger: http server shutdown error: %v", err)
			}
			log.Println("easytrigger: http server stopped")
			return nil
		})
	}

	if a.subscriber != nil {
		g.Go(func() error {
			return a.subscriber.Run(gctx)
		})
	}

	log.Printf("easytrigger: started (store=%s, workers=%d, http=%t, nats=%t, reconciler=%t)",
		a.cfg.StoreDriver, a.cfg.Workers, a.httpServer != nil, a.subscriber != nil, a.elector != nil)

	err := g.Wait()

	log.Println("easytrigger: stopping coordinator (draining events)...")
	stopCoordinator()
	if cerr := <-coordDone; cerr != nil {
		err = errors.Join(err, fmt.Errorf("coordinator: %w", cerr))
	}

	log.Println("easytrigger: stopping reconciler...")
	stopReconciler()
	<-reconDone

	log.Println("easytrigger: stopped")
	return err
}

// Close releases external connections. It is safe to call on a partially
// built App.
func (a *App) Close() error {
	var errs []error
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.redisClient != nil {
		errs = append(errs, a.redisClient.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

type redisHealth struct {
	client *redis.Client
}

func (r redisHealth) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type natsHealth struct {
	conn *nats.Conn
}

func (n natsHealth) Ping(ctx context.Context) error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("connection %s", n.conn.Status())
	}
	return nil
}

func processName() string {
	host, err := os.Hostname()
	if err != nil {
		return "easytrigger"
	}
	return "easytrigger@" + host
}
