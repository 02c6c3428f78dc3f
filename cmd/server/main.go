package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/handler"
	"coinledger/internal/infrastructure/cache"
	"coinledger/internal/infrastructure/database"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/infrastructure/logger"
	"coinledger/internal/infrastructure/mq"
	"coinledger/internal/job"
	"coinledger/internal/metrics"
	"coinledger/internal/repository"
	"coinledger/internal/service"
	"coinledger/pkg/idgen"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobLockTTL = time.Minute

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	fx.New(
		fx.Supply(configPath),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			loadConfig,
			logger.New,

			newDatabase,
			newRedis,
			newKafka,
			newMetrics,

			newOrchestrator,
			newAccountService,
			service.NewTransactionService,

			handler.NewHandler,
			newRouter,
		),
		fx.Invoke(
			initIDGenerator,
			runJobs,
			runHTTPServer,
		),
	).Run()
}

func loadConfig(path *string) (*config.Config, error) {
	return config.Load(*path)
}

func initIDGenerator(cfg *config.Config) error {
	return idgen.Init(cfg.Server.WorkerID)
}

func newDatabase(cfg *config.Config, log *zap.Logger, lc fx.Lifecycle) (*gorm.DB, error) {
	db, err := database.NewConnection(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing database connection")
			return database.Close(db)
		},
	})
	return db, nil
}

func newRedis(cfg *config.Config, log *zap.Logger, lc fx.Lifecycle) (*redis.Client, error) {
	rdb, err := cache.NewRedis(cfg, log)
	if err != nil || rdb == nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})
	return rdb, nil
}

func newKafka(cfg *config.Config, log *zap.Logger, lc fx.Lifecycle) (*mq.Producer, error) {
	producer, err := mq.NewKafka(cfg, log)
	if err != nil || producer == nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return producer.Close()
		},
	})
	return producer, nil
}

func newMetrics() (*metrics.Metrics, prometheus.Gatherer) {
	return metrics.NewMetrics(prometheus.DefaultRegisterer), prometheus.DefaultGatherer
}

func newOrchestrator(cfg *config.Config, db *gorm.DB, rdb *redis.Client, m *metrics.Metrics, log *zap.Logger) (*service.Orchestrator, error) {
	opts, err := service.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	// A nil *KeyGuard must not reach the interface.
	var guard service.InflightGuard
	if rdb != nil {
		guard = lock.NewKeyGuard(rdb, cfg.Redis.GuardTTL)
	}
	return service.NewOrchestrator(db, repository.NewTransactionManager(db), guard, m, opts, log), nil
}

func newAccountService(db *gorm.DB, log *zap.Logger) *service.AccountService {
	return service.NewAccountService(db, log)
}

func newRouter(h *handler.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return handler.SetupRouter(h, m, gatherer, log)
}

func runJobs(cfg *config.Config, db *gorm.DB, rdb *redis.Client, producer *mq.Producer, m *metrics.Metrics, log *zap.Logger, lc fx.Lifecycle) {
	appCtx, cancel := context.WithCancel(context.Background())

	var locker job.Locker
	if rdb != nil {
		locker = lock.NewJobLocker(rdb, jobLockTTL)
	}

	sweeper := job.NewIdempotencySweeper(db, m, cfg, log).WithLocker(locker)
	monitor := job.NewPendingMonitor(db, m, cfg, log).WithLocker(locker)
	collector := metrics.NewDatabaseMetricsCollector(m, log, db)

	var sender *job.OutboxSender
	if producer != nil {
		sender = job.NewOutboxSender(db, producer, m, cfg, log).WithLocker(locker)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go sweeper.Start(appCtx)
			go monitor.Start(appCtx)
			if sender != nil {
				go sender.Start(appCtx)
			}
			collector.Start(cfg.Jobs.MetricsInterval)
			log.Info("Background jobs started", zap.Bool("outbox_relay", sender != nil))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Stopping background jobs")
			cancel()
			collector.Stop()
			return nil
		},
	})
}

func runHTTPServer(cfg *config.Config, router *gin.Engine, log *zap.Logger, lc fx.Lifecycle) {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("HTTP server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	})
}
