package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"task-tracker/backend/internal/cache"
	"task-tracker/backend/internal/config"
	"task-tracker/backend/internal/database"
	"task-tracker/backend/internal/events"
	"task-tracker/backend/internal/handlers"
	"task-tracker/backend/internal/middleware"
	"task-tracker/backend/internal/monitoring"
	"task-tracker/backend/internal/repositories"
	"task-tracker/backend/internal/services"
	"task-tracker/backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App owns every long-lived component of the process.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *database.DatabasePool
	Redis   *redis.Client
	Hub     *events.Hub
	Tasks   services.TaskService
	Cached  *services.CachedTaskService
	Monitor *monitoring.Monitor
	Router  *gin.Engine

	viewCache   *cache.MultiLevelCache
	invalidator *services.ViewInvalidator
	jobs        *worker.JobQueue
	worker      *worker.Worker
	relay     *events.RedisSubscriber
	limiter   *middleware.RateLimiter

	stop     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Events.InstanceID == "" {
		cfg.Events.InstanceID = uuid.Must(uuid.NewV4()).String()
	}

	app := &App{
		Config:  cfg,
		Logger:  log,
		Monitor: monitoring.New(),
		Hub:     events.NewHub(log.Named("events")),
		stop:    make(chan struct{}),
	}

	pool, err := database.NewDatabasePool(&database.PoolConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.GetDatabaseDSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		LogLevel:        database.ParseLogLevel(cfg.Database.LogLevel),
	})
	if err != nil {
		return nil, err
	}
	app.DB = pool
	if err := pool.Migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	app.Monitor.RegisterHealthCheck("database", func(context.Context) error { return pool.Health() })
	app.Monitor.RegisterStats("database", pool.Stats)

	var publisher events.Notifier
	if cfg.Redis.Enabled {
		app.Redis = cache.NewRedisClient(&cache.CacheConfig{
			Addr:         cfg.GetRedisAddr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			Prefix:       cfg.Redis.KeyPrefix,
		})
		client := app.Redis
		app.Monitor.RegisterHealthCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		publisher = events.NewRedisPublisher(app.Redis, cfg.Events.Channel, cfg.Events.InstanceID)

		if cfg.Worker.Enabled {
			app.jobs = worker.NewJobQueue(app.Redis, cfg.Worker.Queue, cfg.Worker.MaxAttempts)
			app.worker = worker.NewWorker(worker.WorkerConfig{
				RedisClient:  app.Redis,
				Queue:        cfg.Worker.Queue,
				BlockTimeout: cfg.Worker.PollInterval,
				Logger:       log.Named("worker"),
			})
			app.Monitor.RegisterStats("worker", app.jobs.Stats)
		}
	}

	if cfg.Cache.Enabled {
		app.buildCache()
	}

	// The invalidator runs first so the hub and remote instances never
	// trigger a read that finds the evicted views still cached.
	var notifiers events.Multi
	if app.invalidator != nil {
		notifiers = append(notifiers, app.invalidator)
	}
	notifiers = append(notifiers, app.Hub)
	if publisher != nil {
		notifiers = append(notifiers, publisher)
	}

	var serviceOpts []services.ServiceOption
	if app.jobs != nil {
		serviceOpts = append(serviceOpts, services.WithNotifyRetry(app.jobs))
		app.worker.RegisterHandler(worker.JobTypeInvalidation, worker.InvalidationHandler(notifiers))
	}

	store := repositories.NewTaskRepository(pool.DB)
	app.Tasks = services.NewTaskService(store, notifiers, log.Named("tasks"), serviceOpts...)

	if app.viewCache != nil {
		app.Cached = services.NewCachedTaskService(app.Tasks, app.viewCache,
			services.WithTTLs(services.CacheTTLs{List: cfg.Cache.ListTTL, Detail: cfg.Cache.DetailTTL}),
			services.WithCacheLogger(log.Named("cache")),
		)
		app.Tasks = app.Cached
		if app.worker != nil {
			app.worker.RegisterHandler(worker.JobTypeViewRefresh, worker.ViewRefreshHandler(app.Cached))
		}
		app.Monitor.RegisterStats("cache", app.Cached.GetCacheStats)
	}

	if app.Redis != nil {
		app.relay = events.NewRedisSubscriber(app.Redis, cfg.Events.Channel, cfg.Events.InstanceID, app.relayInvalidation, log.Named("relay"))
	}

	if cfg.RateLimit.Enabled {
		app.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMin, cfg.RateLimit.BurstSize, cfg.RateLimit.CleanupInterval)
	}

	app.Monitor.RegisterStats("events", func() map[string]interface{} {
		return map[string]interface{}{
			"subscribers": app.Hub.SubscriberCount(),
			"dropped":     app.Hub.Dropped(),
		}
	})

	app.Router = handlers.NewRouter(handlers.RouterConfig{
		Tasks:            app.Tasks,
		Hub:              app.Hub,
		Monitor:          app.Monitor,
		RateLimiter:      app.limiter,
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		Logger:           log.Named("http"),
	})

	return app, nil
}

// buildCache creates the view cache and the invalidator that clears it.
// Without redis the cache is local only.
func (a *App) buildCache() {
	cfg := a.Config

	var shared *cache.RedisCache
	if a.Redis != nil {
		shared = cache.NewRedisCacheFromClient(a.Redis, cfg.Redis.KeyPrefix)
	}
	a.viewCache = cache.NewMultiLevelCache(shared,
		cache.WithL1TTL(cfg.Cache.LocalTTL),
		cache.WithBreaker(cache.NewCircuitBreaker(&cache.CircuitBreakerConfig{
			MaxFailures:      cfg.Cache.BreakerFailures,
			Timeout:          cfg.Cache.BreakerTimeout,
			HalfOpenMaxCalls: cfg.Cache.BreakerHalfOpen,
		})),
		cache.WithLogger(a.Logger.Named("cache")),
	)

	var refresher services.ViewRefresher
	if a.jobs != nil && cfg.Cache.RefreshOnMutation {
		refresher = a.jobs
	}
	a.invalidator = services.NewViewInvalidator(a.viewCache, refresher, a.Logger.Named("cache"))
}

// relayInvalidation applies an invalidation published by another instance.
// Both cache tiers are cleared again: this instance may have refilled the
// shared tier from a read that raced the remote write.
func (a *App) relayInvalidation(ctx context.Context, inv events.Invalidation) {
	if a.invalidator != nil {
		a.invalidator.Evict(ctx, inv.Views...)
	}
	if err := a.Hub.Notify(ctx, inv); err != nil {
		a.Logger.Warn("failed to relay invalidation", zap.String("invalidation_id", inv.ID), zap.Error(err))
	}
}

// Start launches the background components: the invalidation relay, the
// job worker, cache maintenance and the rate limiter sweeper. It returns once the relay is
// subscribed.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.relay != nil {
		ready := make(chan struct{})
		errc := make(chan error, 1)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			errc <- a.relay.Run(runCtx, ready)
		}()

		select {
		case <-ready:
		case err := <-errc:
			cancel()
			return fmt.Errorf("invalidation relay: %w", err)
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}

	if a.worker != nil {
		a.worker.Start(a.Config.Worker.Concurrency)
	}

	if a.viewCache != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.viewCache.RunMaintenance(a.stop, a.Config.Cache.MaintenanceInterval)
		}()
	}

	if a.limiter != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.limiter.RunCleanup(a.stop)
		}()
	}

	if a.Cached != nil {
		warmCtx, warmCancel := context.WithTimeout(ctx, 10*time.Second)
		defer warmCancel()
		if err := a.Cached.WarmCriticalData(warmCtx); err != nil {
			a.Logger.Warn("cache warm-up failed", zap.Error(err))
		}
	}

	a.Logger.Info("application started",
		zap.String("instance_id", a.Config.Events.InstanceID),
		zap.Bool("redis", a.Redis != nil),
		zap.Bool("cache", a.Cached != nil),
		zap.Bool("worker", a.worker != nil),
	)
	return nil
}

// Stop shuts down background components and releases connections. It is
// safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		close(a.stop)
		if a.cancel != nil {
			a.cancel()
		}
		if a.worker != nil {
			a.worker.Stop()
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("background tasks: %w", ctx.Err()))
		}

		if a.Redis != nil {
			if err := a.Redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	})
	return errors.Join(errs...)
}
