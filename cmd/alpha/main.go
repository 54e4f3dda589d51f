package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ronanzhan/servicecomb-saga/internal/api"
	"github.com/ronanzhan/servicecomb-saga/internal/callback"
	"github.com/ronanzhan/servicecomb-saga/internal/config"
	"github.com/ronanzhan/servicecomb-saga/internal/ingest"
	"github.com/ronanzhan/servicecomb-saga/internal/memstore"
	"github.com/ronanzhan/servicecomb-saga/internal/metrics"
	"github.com/ronanzhan/servicecomb-saga/internal/reconciler"
	"github.com/ronanzhan/servicecomb-saga/internal/repository"
	envconfig "github.com/ronanzhan/servicecomb-saga/pkg/config"
	"github.com/ronanzhan/servicecomb-saga/pkg/health"
	"github.com/ronanzhan/servicecomb-saga/pkg/logger"
	pkgredis "github.com/ronanzhan/servicecomb-saga/pkg/redis"
	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
	"github.com/ronanzhan/servicecomb-saga/pkg/tracing"
)

// stores groups the three repositories the reconciler runs over.
type stores struct {
	events   saga.EventRepository
	timeouts saga.TimeoutRepository
	commands saga.CommandRepository
	db       *sql.DB
}

func main() {
	once := flag.Bool("once", false, "run a single reconciliation tick and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithLevel(cfg.ServiceName, cfg.LogLevel, os.Stdout)

	if err := run(cfg, log, *once); err != nil {
		log.WithError(err).Error("alpha exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger, once bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log.Infof("starting", map[string]interface{}{
		"store":            cfg.Store,
		"polling_interval": cfg.PollingInterval.String(),
		"http_port":        cfg.HTTPPort,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	redisClient, err := connectRedis(ctx, cfg, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var registry callback.Registry = callback.NewMemoryRegistry(cfg.OmegaTTL)
	if redisClient != nil {
		registry = callback.NewRedisRegistry(redisClient, cfg.OmegaTTL)
	}
	compensator := callback.NewHTTPCompensator(registry, cfg.CompensationTimeout, cfg.InternalToken, log)

	m := metrics.NewDefault()
	rec := reconciler.New(st.events, st.timeouts, st.commands, compensator,
		reconciler.WithInterval(cfg.PollingInterval),
		reconciler.WithLogger(log),
		reconciler.WithMetrics(m),
	)

	if once {
		return rec.Tick(ctx)
	}

	ing := ingest.New(st.events, m, log)

	h := health.New()
	if st.db != nil {
		h.Register(health.NewPostgresChecker(st.db))
	}
	if redisClient != nil {
		h.Register(health.NewPingChecker("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	h.Register(health.NewLoopChecker("reconciler", rec.Monitor(), rec.MaxAge()))

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.NewRouter(api.Deps{
			Ingestor:      ing,
			Events:        st.events,
			Commands:      st.commands,
			Registry:      registry,
			Health:        h,
			Metrics:       m,
			Logger:        log,
			InternalToken: cfg.InternalToken,
			MetricsToken:  envconfig.GetEnv("METRICS_TOKEN", ""),
		}),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(ctx)
	}()

	if redisClient != nil {
		consumer := pkgredis.NewConsumer(
			pkgredis.NewStreamClient(redisClient),
			cfg.ConsumerGroup,
			cfg.ConsumerName,
			[]string{cfg.EventStream},
			ing.HandleMessage,
			nil,
			log,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeEvents(ctx, consumer, log)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	h.SetReady(true)

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		log.WithError(err).Error("HTTP server error")
		stop()
	}

	log.Info("shutting down")
	h.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("HTTP shutdown")
	}
	wg.Wait()
	log.Info("shutdown complete")
	return err
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (stores, error) {
	if cfg.Store == config.StoreMemory {
		store, err := memstore.New(cfg.WorkerID)
		if err != nil {
			return stores{}, fmt.Errorf("init memory store: %w", err)
		}
		log.Warn("using in-memory store; state is lost on restart")
		return stores{events: store, timeouts: store, commands: store}, nil
	}

	db, err := repository.Open(ctx, cfg.DSN(), repository.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return stores{}, err
	}
	if err := repository.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return stores{}, err
	}
	log.Info("connected to PostgreSQL")
	return stores{
		events:   repository.NewEventRepository(db),
		timeouts: repository.NewTimeoutRepository(db),
		commands: repository.NewCommandRepository(db),
		db:       db,
	}, nil
}

// connectRedis returns nil when the memory store runs without Redis.
func connectRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		if cfg.Store == config.StoreMemory {
			return nil, nil
		}
		return nil, errors.New("REDIS_ADDR is required with the postgres store")
	}
	rc := pkgredis.DefaultConfig
	rc.Addr = cfg.RedisAddr
	rc.Password = cfg.RedisPassword
	rc.DB = cfg.RedisDB
	client, err := pkgredis.NewClient(ctx, &rc)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("connected to Redis")
	return client, nil
}

// consumeEvents restarts the stream consumer until ctx ends.
func consumeEvents(ctx context.Context, consumer *pkgredis.Consumer, log *logger.Logger) {
	for ctx.Err() == nil {
		err := startConsumer(ctx, consumer)
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("event consumer stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func startConsumer(ctx context.Context, consumer *pkgredis.Consumer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	return errors.New("consumer returned")
}
