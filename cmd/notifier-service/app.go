package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"herald/internal/config"
	"herald/internal/constants"
	"herald/internal/eventlog"
	"herald/internal/logger"
	"herald/internal/notification"
	"herald/internal/recovery"
	"herald/internal/subscription"
	"herald/internal/webhook"
	"herald/pkg/bootstrap"
	"herald/pkg/cel"
	"herald/pkg/circuitbreaker"
	"herald/pkg/health"
	"herald/pkg/logging"
	"herald/pkg/metrics"
	"herald/pkg/middleware"
	"herald/pkg/ratelimit"
	"herald/pkg/scheduler"
	"herald/pkg/tracing"
)

type stores struct {
	subscriptions subscription.Repository
	notifications notification.Repository
	events        eventlog.Repository
}

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redis       *redis.Client
	mongoClient *mongo.Client

	scheduler  scheduler.Scheduler
	registry   *subscription.Registry
	events     *eventlog.Service
	dispatcher *notification.Dispatcher
	sweeper    *recovery.Sweeper
	limiter    *ratelimit.Limiter

	health         *health.CheckerRegistry
	router         *gin.Engine
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterPipelineMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterAPIMetrics()

	st, err := a.initStores(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize stores: %w", err)
	}

	if err := a.InitBroker(serviceName); err != nil {
		return err
	}

	if err := a.initScheduler(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	a.initPipeline(st)

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
	return nil
}

// initStores opens only the backends the configuration selects.
func (a *App) initStores(ctx context.Context) (stores, error) {
	var st stores
	cfg := a.Config

	needPostgres := cfg.Database.Store == constants.StorePostgres || cfg.EventLogStore() == constants.StorePostgres
	if needPostgres {
		db, err := a.dbConnector.InitPostgreSQL(ctx)
		if err != nil {
			return st, err
		}
		a.db = db
		a.health.Register(health.NewPostgreSQLChecker(db))
	}

	switch cfg.Database.Store {
	case constants.StorePostgres:
		st.subscriptions = subscription.NewPostgresRepository(a.db)
		st.notifications = notification.NewPostgresRepository(a.db)
	default:
		subs := subscription.NewMemoryRepository()
		st.subscriptions = subs
		st.notifications = notification.NewMemoryRepository(subs)
	}

	switch cfg.EventLogStore() {
	case constants.StorePostgres:
		st.events = eventlog.NewPostgresRepository(a.db)
	case constants.StoreMongoDB:
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		client, db, err := a.dbConnector.InitMongoDB(initCtx)
		if err != nil {
			return st, err
		}
		a.mongoClient = client
		a.health.Register(health.NewMongoDBChecker(client))
		st.events = eventlog.NewMongoRepository(db)
	default:
		st.events = eventlog.NewMemoryRepository()
	}

	return st, nil
}

func (a *App) initScheduler(ctx context.Context) error {
	switch a.Config.Scheduler.Type {
	case constants.SchedulerRedis:
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return err
		}
		a.redis = rdb
		a.health.Register(health.NewRedisChecker(rdb))
		a.scheduler = scheduler.NewRedisScheduler(rdb, a.Config.Scheduler.RedisKey, a.Config.Scheduler.PollInterval, a.Logger,
			scheduler.WithBatchSize(a.Config.Scheduler.BatchSize))
	default:
		a.scheduler = scheduler.NewTimerScheduler(a.Logger)
	}
	a.Logger.Infow("Scheduler initialized", "type", a.Config.Scheduler.Type)
	return nil
}

func (a *App) initPipeline(st stores) {
	cfg := a.Config

	var webhookOpts []webhook.Option
	if cfg.CircuitBreaker.Enabled {
		webhookOpts = append(webhookOpts, webhook.WithCircuitBreaker(circuitbreaker.Config{
			Name:         "webhook",
			MaxRequests:  cfg.CircuitBreaker.MaxRequests,
			Interval:     cfg.CircuitBreaker.Interval,
			Timeout:      cfg.CircuitBreaker.Timeout,
			FailureRatio: cfg.CircuitBreaker.FailureRatio,
			MinRequests:  cfg.CircuitBreaker.MinRequests,
		}))
	}
	poster := webhook.NewClient(cfg.Webhook.Timeout, webhookOpts...)

	var registryOpts []subscription.RegistryOption
	var dispatcherOpts []notification.Option
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		a.Logger.Warnw("Filter expressions disabled", "error", err)
	} else {
		registryOpts = append(registryOpts, subscription.WithFilterEvaluator(evaluator))
		dispatcherOpts = append(dispatcherOpts, notification.WithFilterEvaluator(evaluator))
	}

	a.registry = subscription.NewRegistry(st.subscriptions, a.scheduler, poster, cfg.Subscription, a.Logger, registryOpts...)
	a.events = eventlog.NewService(st.events, a.Producer, cfg.Broker.Kafka.EventsTopic, a.Logger)
	a.dispatcher = notification.NewDispatcher(st.notifications, a.registry, a.events, a.scheduler, poster,
		cfg.Notification, a.Logger, dispatcherOpts...)

	if cfg.Recovery.Enabled {
		a.sweeper = recovery.NewSweeper(a.events, a.dispatcher, a.registry, cfg.Recovery, a.Logger)
	}
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
		router.Use(tracing.TraceLogMiddleware())
	}
	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))

	router.GET("/health", a.health.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Registered after /health and /metrics so probes are never throttled.
	if rl := a.Config.API.RateLimit; rl.Enabled {
		a.limiter = ratelimit.NewLimiter(rl)
		router.Use(a.limiter.Middleware())
		a.Logger.Infow("Rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	subscription.NewHandler(a.registry, a.Logger).RegisterRoutes(router)
	eventlog.NewHandler(a.events, a.Logger).RegisterRoutes(router)
	notification.NewHandler(a.dispatcher, a.Logger).RegisterRoutes(router)

	a.router = router
	return nil
}

func (a *App) Run(ctx context.Context) error {
	ctx = logging.WithServiceName(ctx, serviceName)

	if n, err := a.registry.ResumeHandshakes(ctx); err != nil {
		a.Logger.ErrorwCtx(ctx, "Failed to resume handshakes", "error", err)
	} else if n > 0 {
		a.Logger.InfowCtx(ctx, "Resumed pending handshakes", "count", n)
	}
	if n, err := a.dispatcher.ResumePending(ctx); err != nil {
		a.Logger.ErrorwCtx(ctx, "Failed to resume deliveries", "error", err)
	} else if n > 0 {
		a.Logger.InfowCtx(ctx, "Resumed pending deliveries", "count", n)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return ignoreCanceled(a.scheduler.Run(gCtx))
	})

	kafkaCfg := a.Config.Broker.Kafka
	g.Go(func() error {
		a.Logger.InfowCtx(gCtx, "Consuming domain events", "topic", kafkaCfg.InputTopic)
		return ignoreCanceled(a.Consumer.Consume(gCtx, kafkaCfg.InputTopic, a.events.HandleSourceMessage))
	})
	g.Go(func() error {
		a.Logger.InfowCtx(gCtx, "Consuming recorded events", "topic", kafkaCfg.EventsTopic)
		return ignoreCanceled(a.Consumer.Consume(gCtx, kafkaCfg.EventsTopic, a.dispatcher.HandleRecordedEvent))
	})

	if a.sweeper != nil {
		g.Go(func() error {
			return a.sweeper.Run(gCtx)
		})
	}
	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.RunCleanup(gCtx)
			return nil
		})
	}

	runErr := g.Wait()
	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops intake first, then timers, then closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.scheduler != nil {
			if err := a.scheduler.Close(); err != nil {
				errs = append(errs, fmt.Errorf("scheduler close error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
