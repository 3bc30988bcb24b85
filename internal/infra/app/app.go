package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/infra/cache"
	"github.com/arklim/config-governance/internal/infra/config"
	"github.com/arklim/config-governance/internal/infra/database"
	kafkainfra "github.com/arklim/config-governance/internal/infra/kafka"
	"github.com/arklim/config-governance/internal/infra/logger"
	redisinfra "github.com/arklim/config-governance/internal/infra/redis"
	"github.com/arklim/config-governance/internal/infra/rules"
	"github.com/arklim/config-governance/internal/infra/telemetry"
	"github.com/arklim/config-governance/internal/repository/memory"
	postgresrepo "github.com/arklim/config-governance/internal/repository/postgres"
	redisrepo "github.com/arklim/config-governance/internal/repository/redis"
	"github.com/arklim/config-governance/internal/transport/http/middleware"
	"github.com/arklim/config-governance/internal/transport/http/routes"
	"github.com/arklim/config-governance/internal/usecase"
)

// Services groups the versioning engine entry points built by the application.
type Services struct {
	Versioning *usecase.VersioningService
	History    *usecase.HistoryReader
	Current    *usecase.CurrentVersionReader
}

type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	services Services

	pool       *pgxpool.Pool
	redis      *redisinfra.Client
	localCache *cache.LocalCache
	tracer     *telemetry.TracerProvider
	producer   *kafkainfra.Producer
	group      sarama.ConsumerGroup
	consumer   *kafkainfra.InvalidationConsumer
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{cfg: cfg, logger: log}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
		if err != nil {
			log.Warn("failed to init tracer provider, spans will not be exported", zap.Error(err))
		} else {
			a.tracer = tp
		}
	}

	metrics, err := telemetry.NewVersioningMetrics(telemetry.MetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return fmt.Errorf("init versioning metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}

	uow, err := a.buildStore(ctx)
	if err != nil {
		return err
	}

	currentCache, err := a.buildCache()
	if err != nil {
		return err
	}

	broadcaster, err := a.buildBroadcaster()
	if err != nil {
		return err
	}

	validator, err := rules.NewValidator(cfg.Versioning.Rules)
	if err != nil {
		return fmt.Errorf("init payload rules: %w", err)
	}

	invalidator := usecase.NewFanoutInvalidator(currentCache, broadcaster)

	adapters := usecase.NewAdapterRegistry(usecase.DefaultAdapters()...)
	a.services = Services{
		Versioning: usecase.NewVersioningService(uow, adapters, invalidator, usecase.VersioningOptions{
			VerifyInvariants:    cfg.Versioning.VerifyInvariants,
			InvalidationTimeout: cfg.Versioning.InvalidationTimeout,
		}).
			WithLogger(log).
			WithMetrics(metrics).
			WithValidator(validator),
		History: usecase.NewHistoryReader(uow, adapters).WithLogger(log),
		Current: usecase.NewCurrentVersionReader(uow, adapters, currentCache, cfg.Versioning.Cache.TTL).
			WithLogger(log).
			WithMetrics(metrics),
	}

	deps := routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		HTTPMetrics: httpMetrics,
		Gatherer:    prometheus.DefaultGatherer,
	}
	if a.pool != nil {
		deps.Database = a.pool
	}
	if a.redis != nil {
		deps.Cache = a.redis
	}
	a.engine = routes.Register(deps)

	return nil
}

func (a *Application) buildStore(ctx context.Context) (port.VersionUnitOfWork, error) {
	cfg, log := a.cfg, a.logger

	if cfg.Versioning.Store == config.StoreMemory {
		log.Info("using in-memory version store")
		return memory.NewStore(), nil
	}

	if cfg.Versioning.RunMigrations {
		if err := database.Migrate(cfg.Postgres, log); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	a.pool = pool

	return postgresrepo.NewStore(pool).WithLogger(log), nil
}

func (a *Application) buildCache() (port.CurrentVersionCache, error) {
	cfg, log := a.cfg, a.logger

	switch cfg.Versioning.Cache.Backend {
	case config.CacheRedis:
		client, err := redisinfra.NewClient(cfg.Redis, log)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		a.redis = client
		return redisrepo.NewCurrentVersionCache(client.Client(), cfg.Versioning.Cache.KeyPrefix), nil
	case config.CacheMemory:
		a.localCache = cache.NewLocalCache(cfg.Versioning.Cache.SweepInterval, log)
		return a.localCache, nil
	default:
		log.Info("current version cache disabled")
		return nil, nil
	}
}

// buildBroadcaster publishes invalidations to Kafka when brokers are configured.
// A local cache tier also subscribes, since each instance holds its own copy.
func (a *Application) buildBroadcaster() (port.CacheInvalidator, error) {
	cfg, log := a.cfg, a.logger

	if !cfg.Kafka.Enabled() {
		log.Info("kafka brokers not configured, using stub broadcaster")
		return kafkainfra.NewStubBroadcaster(log), nil
	}

	producer, err := kafkainfra.NewProducer(cfg.Kafka, log)
	if err != nil {
		log.Warn("failed to init kafka producer, using stub broadcaster", zap.Error(err))
		return kafkainfra.NewStubBroadcaster(log), nil
	}
	a.producer = producer
	log.Info("kafka invalidation broadcaster initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	if a.localCache != nil {
		group, err := kafkainfra.NewConsumerGroup(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("init invalidation consumer: %w", err)
		}
		a.group = group
		a.consumer = kafkainfra.NewInvalidationConsumer(a.localCache, log)
	}

	return kafkainfra.NewInvalidationBroadcaster(producer, cfg.App, log), nil
}

// Services returns the versioning engine entry points.
func (a *Application) Services() Services {
	return a.services
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting config governance service",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
		zap.String("store", a.cfg.Versioning.Store),
		zap.String("cache", a.cfg.Versioning.Cache.Backend),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	var wg sync.WaitGroup
	consumerErrCh := make(chan error, 1)
	if a.consumer != nil && a.group != nil {
		topic := a.producer.TopicName(kafkainfra.EventCacheInvalidated)
		a.logger.Info("starting invalidation consumer", zap.String("topic", topic), zap.String("group", a.cfg.Kafka.ConsumerGroup))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.consumer.Run(consumerCtx, a.group, topic); err != nil {
				consumerErrCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrCh:
	case runErr = <-consumerErrCh:
	}

	stopConsumer()
	if a.group != nil {
		if err := a.group.Close(); err != nil {
			a.logger.Warn("close consumer group", zap.Error(err))
		}
		a.group = nil
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown server: %w", err)
	}

	return runErr
}

func (a *Application) close() {
	if a.group != nil {
		_ = a.group.Close()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.localCache != nil {
		_ = a.localCache.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			a.logger.Warn("shutdown tracer provider", zap.Error(err))
		}
	}
}
