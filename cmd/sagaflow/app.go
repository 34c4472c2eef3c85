package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/api"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/dispatch"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/metrics"
	"github.com/goclaw/sagaflow/pkg/participant"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/transport"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// app owns every long-running component of one sagaflow process.
type app struct {
	cfg *config.Config
	log logger.Logger

	metrics      *metrics.Manager
	store        saga.Store
	bus          transport.Bus
	publisher    *transport.Publisher
	orchestrator *saga.Orchestrator
	reconciler   *saga.Reconciler
	pools        []*dispatch.Pool
	server       *api.HTTPServer

	redisClients map[string]*redis.Client
	checks       map[string]handlers.ReadinessCheck
	closers      []func() error
}

// newApp builds the process from cfg. Nothing is started until run.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{
		cfg:          cfg,
		log:          log,
		redisClients: make(map[string]*redis.Client),
		checks:       make(map[string]handlers.ReadinessCheck),
	}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	var err error

	defaults := metrics.DefaultConfig()
	a.metrics = metrics.NewManager(metrics.Config{
		Enabled:                 cfg.Metrics.Enabled,
		Port:                    cfg.Metrics.Port,
		Path:                    cfg.Metrics.Path,
		HandleDurationBuckets:   defaults.HandleDurationBuckets,
		DispatchDurationBuckets: defaults.DispatchDurationBuckets,
		HTTPDurationBuckets:     defaults.HTTPDurationBuckets,
	})

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.bus, err = a.openBus(); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.bus.Close)

	retry := cfg.Orchestrator.PublishRetry
	a.publisher, err = transport.NewPublisher(a.bus, transport.RetryConfig{
		MaxRetries:     retry.MaxRetries,
		InitialBackoff: retry.InitialBackoff,
		MaxBackoff:     retry.MaxBackoff,
		BackoffFactor:  retry.Multiplier,
	}, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}

	a.orchestrator, err = saga.NewOrchestrator(a.store, a.publisher,
		saga.WithLogger(log.With("component", "orchestrator")),
		saga.WithMetrics(a.metrics),
		saga.WithMaxConflictRetries(cfg.Orchestrator.MaxConflictRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	if cfg.Reconcile.Enabled {
		a.reconciler, err = saga.NewReconciler(a.orchestrator, saga.ReconcilerConfig{
			Interval:       cfg.Reconcile.Interval,
			StaleThreshold: cfg.Reconcile.StaleThreshold,
			RatePerSecond:  cfg.Reconcile.RatePerSecond,
			Burst:          cfg.Reconcile.Burst,
			BatchSize:      cfg.Reconcile.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create reconciler: %w", err)
		}
	}

	poolCfg := dispatch.Config{
		Workers:       cfg.Orchestrator.Workers,
		ErrorBackoff:  cfg.Orchestrator.ErrorBackoff,
		HandleTimeout: cfg.Orchestrator.HandleTimeout,
	}
	if err := a.addPool(ctx, "orchestrator", transport.EventChannel, cfg.Transport.Group,
		dispatch.EventHandler(a.orchestrator), poolCfg); err != nil {
		return nil, err
	}

	if cfg.Participants.Enabled {
		if err := a.startParticipants(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.Server.HTTP.Enabled {
		apiHandlers := &api.Handlers{
			Saga:   handlers.NewSagaHandler(a.store, a.staleThreshold, log.With("component", "api")),
			Health: handlers.NewHealthHandler(a.checks),
		}
		if a.metrics.Enabled() {
			apiHandlers.Metrics = a.metrics
		}
		a.server = api.NewHTTPServer(cfg, log, apiHandlers)
	}

	built = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) (saga.Store, error) {
	cfg := a.cfg.Storage
	switch cfg.Type {
	case "memory":
		a.log.Info("using memory saga store")
		return saga.NewMemoryStore(), nil

	case "badger":
		opts := badger.DefaultOptions(cfg.Badger.Path).
			WithSyncWrites(cfg.Badger.SyncWrites).
			WithLogger(nil)
		if cfg.Badger.ValueLogFileSize > 0 {
			opts = opts.WithValueLogFileSize(cfg.Badger.ValueLogFileSize)
		}
		if cfg.Badger.NumVersionsToKeep > 0 {
			opts = opts.WithNumVersionsToKeep(cfg.Badger.NumVersionsToKeep)
		}
		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("open badger at %s: %w", cfg.Badger.Path, err)
		}
		a.closers = append(a.closers, db.Close)
		a.checks["store"] = func(context.Context) error {
			if db.IsClosed() {
				return errors.New("badger is closed")
			}
			return nil
		}
		a.log.Info("using badger saga store", "path", cfg.Badger.Path)
		return saga.NewBadgerStore(db)

	case "redis":
		client := a.redisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		a.checks["store"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		a.log.Info("using redis saga store", "address", cfg.Redis.Address)
		return saga.NewRedisStore(client, cfg.Redis.KeyPrefix)

	case "postgres":
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

		store, err := saga.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		a.checks["store"] = db.PingContext
		a.log.Info("using postgres saga store")
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

func (a *app) openBus() (transport.Bus, error) {
	cfg := a.cfg.Transport
	switch cfg.Type {
	case "memory":
		a.log.Info("using in-process message bus")
		return transport.NewMemoryBus(transport.MemoryBusConfig{
			RedeliveryDelay: cfg.Memory.RedeliveryDelay,
			MaxDeliveries:   cfg.MaxDeliveries,
		}), nil

	case "redis":
		client := a.redisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		a.checks["transport"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		a.log.Info("using redis streams transport", "address", cfg.Redis.Address)
		return transport.NewRedisStreamBus(client, transport.RedisStreamConfig{
			Prefix:          cfg.Redis.Prefix,
			Consumer:        cfg.Redis.Consumer,
			BatchSize:       cfg.Redis.BatchSize,
			BlockTime:       cfg.Redis.BlockTime,
			ClaimMinIdle:    cfg.Redis.ClaimMinIdle,
			ReclaimInterval: cfg.Redis.ReclaimInterval,
			MaxDeliveries:   cfg.MaxDeliveries,
			MaxLen:          cfg.Redis.MaxLen,
		})

	case "kafka":
		kafkaCfg := transport.DefaultKafkaConfig()
		kafkaCfg.Brokers = cfg.Kafka.Brokers
		kafkaCfg.TopicPrefix = cfg.Kafka.TopicPrefix
		kafkaCfg.MaxDeliveries = cfg.MaxDeliveries
		if cfg.Kafka.MaxWait > 0 {
			kafkaCfg.MaxWait = cfg.Kafka.MaxWait
		}
		a.log.Info("using kafka transport", "brokers", cfg.Kafka.Brokers)
		return transport.NewKafkaBus(kafkaCfg)

	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name(a.cfg.App.Name))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		a.closers = append(a.closers, func() error {
			conn.Close()
			return nil
		})
		a.checks["transport"] = func(context.Context) error {
			if !conn.IsConnected() {
				return fmt.Errorf("nats status %s", conn.Status())
			}
			return nil
		}
		natsCfg := transport.DefaultNATSConfig()
		natsCfg.Stream = cfg.NATS.Stream
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		natsCfg.MaxDeliveries = cfg.MaxDeliveries
		if cfg.NATS.AckWait > 0 {
			natsCfg.AckWait = cfg.NATS.AckWait
		}
		a.log.Info("using nats jetstream transport", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
		return transport.NewNATSBus(conn, natsCfg)
	}
	return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
}

// redisClient returns one client per address so the store, the bus and the
// dedup records can share connections.
func (a *app) redisClient(addr, password string, db int) *redis.Client {
	key := fmt.Sprintf("%s/%d", addr, db)
	if client, ok := a.redisClients[key]; ok {
		return client
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	a.redisClients[key] = client
	a.closers = append(a.closers, client.Close)
	return client
}

func (a *app) startParticipants(ctx context.Context) error {
	cfg := a.cfg.Participants

	var dedup participant.Dedup = participant.NewMemoryDedup()
	if cfg.Dedup == "redis" {
		redisCfg := a.cfg.Storage.Redis
		client := a.redisClient(redisCfg.Address, redisCfg.Password, redisCfg.DB)
		redisDedup, err := participant.NewRedisDedup(client, redisCfg.KeyPrefix+"dedup:", cfg.DedupTTL)
		if err != nil {
			return err
		}
		dedup = redisDedup
	}

	services := []struct {
		name     string
		register func(*participant.Responder)
	}{
		{"inventory", participant.NewInventory(cfg.Stock).Register},
		{"payments", participant.NewPayments(cfg.PaymentLimit).Register},
		{"records", participant.NewRecords().Register},
	}

	poolCfg := dispatch.Config{
		Workers:       cfg.Workers,
		ErrorBackoff:  a.cfg.Orchestrator.ErrorBackoff,
		HandleTimeout: a.cfg.Orchestrator.HandleTimeout,
	}
	for _, svc := range services {
		responder, err := participant.NewResponder(svc.name, a.publisher, dedup,
			participant.WithLogger(a.log.With("participant", svc.name)))
		if err != nil {
			return err
		}
		svc.register(responder)
		group := a.cfg.Transport.Group + "-" + svc.name
		if err := a.addPool(ctx, svc.name, transport.CommandChannel, group, responder.Handler(), poolCfg); err != nil {
			return err
		}
	}
	a.log.Info("simulated participants enabled", "dedup", cfg.Dedup)
	return nil
}

func (a *app) addPool(ctx context.Context, name, channel, group string, handler dispatch.Handler, cfg dispatch.Config) error {
	sub, err := a.bus.Subscribe(ctx, channel, group)
	if err != nil {
		return fmt.Errorf("subscribe %s as %s: %w", channel, group, err)
	}
	pool, err := dispatch.NewPool(name, sub, handler, cfg,
		dispatch.WithLogger(a.log.With("component", "dispatch")),
		dispatch.WithRecorder(a.metrics),
	)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("create %s pool: %w", name, err)
	}
	a.pools = append(a.pools, pool)
	return nil
}

func (a *app) staleThreshold() time.Duration {
	if a.reconciler != nil {
		return a.reconciler.StaleThreshold()
	}
	return a.cfg.Reconcile.StaleThreshold
}

// applyHotReload pushes reloadable settings into running components.
func (a *app) applyHotReload(hot config.HotReloadableConfig) {
	a.log.SetLevel(logger.ParseLevel(hot.LogLevel))
	if a.reconciler != nil {
		a.reconciler.SetInterval(hot.ReconcileInterval)
		a.reconciler.SetStaleThreshold(hot.ReconcileStaleThreshold)
	}
	a.log.Info("configuration reloaded",
		"log_level", hot.LogLevel,
		"reconcile_interval", hot.ReconcileInterval,
		"stale_threshold", hot.ReconcileStaleThreshold,
	)
}

// run starts every component and blocks until ctx is done or the API
// server fails, then shuts down in reverse dependency order.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	for _, pool := range a.pools {
		pool.Start(ctx)
	}

	if a.reconciler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("reconciler stopped", "error", err)
			}
		}()
	}

	if a.metrics.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.log.Info("starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil {
				a.log.Error("metrics server failed", "error", err)
			}
		}()
	}

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	a.log.Info("sagaflow is running",
		"storage", a.cfg.Storage.Type,
		"transport", a.cfg.Transport.Type,
		"pools", len(a.pools),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.Error("operator API failed", "error", runErr)
	}

	timeout := a.cfg.Server.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Error("operator API shutdown failed", "error", err)
		}
	}

	cancel()
	for _, pool := range a.pools {
		pool.Stop()
	}
	wg.Wait()
	a.close()

	return runErr
}

// close releases resources in reverse acquisition order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
