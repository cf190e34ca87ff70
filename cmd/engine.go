package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"web-eq/config"
	"web-eq/internal/livestate"
	"web-eq/internal/realtime"
	"web-eq/internal/repository"
	"web-eq/internal/services"
	"web-eq/internal/tasks"
	"web-eq/models"
	"web-eq/monitoring"
	"web-eq/utils"
)

const redisConnectAttempts = 3

// engine owns every long lived resource of the queue service.
type engine struct {
	cfg     *config.Config
	loc     *time.Location
	clock   clock.Clock
	monitor *monitoring.Monitor

	repo  *repository.Repository
	redis *redis.Client
	live  livestate.Store
	hub   *realtime.Hub

	estimator *services.Estimator
	selector  *services.Selector
	state     *services.StateAggregator
	booking   *services.BookingService
	ops       *services.QueueOpsService

	tasks     *asynq.Client
	worker    *asynq.Server
	scheduler *asynq.Scheduler
	metrics   *http.Server
}

// openStore opens and migrates the durable queue store.
func openStore(ctx context.Context, cfg *config.Config) (*repository.Repository, error) {
	repo, err := repository.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

// connectRedis returns nil without an error when Redis is down and not
// required, which puts the live state in degraded mode.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client, err := utils.NewRedisClient(ctx, cfg.RedisURL, redisConnectAttempts)
	if err == nil {
		return client, nil
	}
	if cfg.RedisRequired {
		return nil, err
	}
	slog.Warn("Redis unavailable, live queue state will run degraded", "error", err)
	return nil, nil
}

func newLiveStore(cfg *config.Config, client *redis.Client, monitor *monitoring.Monitor) livestate.Store {
	return livestate.New(client, livestate.Options{
		TTL:                   cfg.LiveStateTTL,
		DefaultPerUserMinutes: cfg.AvgWaitPerUserMinutes,
		Monitor:               monitor,
	})
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	en := &engine{
		cfg:     cfg,
		loc:     loc,
		clock:   clock.RealClock{},
		monitor: monitoring.NewMonitor(),
	}

	if en.repo, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if en.redis, err = connectRedis(ctx, cfg); err != nil {
		return nil, multierror.Append(err, en.Close())
	}
	en.live = newLiveStore(cfg, en.redis, en.monitor)

	en.estimator = services.NewEstimator(cfg, en.repo, loc, en.clock, en.monitor)
	en.selector = services.NewSelector(en.repo, en.estimator)
	en.state = services.NewStateAggregator(cfg, en.repo, en.live, en.estimator, loc, en.clock, en.monitor)
	en.booking = services.NewBookingService(cfg, en.repo, en.live, en.estimator, en.selector, loc, en.clock, en.monitor)
	en.ops = services.NewQueueOpsService(cfg, en.repo, en.live, en.estimator, loc, en.clock, en.monitor)

	publisher, err := realtime.NewPubNubPublisher(realtime.PubNubConfig{
		PublishKey:   cfg.PubNubPublishKey,
		SubscribeKey: cfg.PubNubSubscribeKey,
		SecretKey:    cfg.PubNubSecretKey,
		UserID:       cfg.PubNubUserID,
	})
	if err != nil {
		slog.Info("PubNub mirror disabled", "reason", err)
	}
	en.hub = realtime.NewHub(en.state.AggregateBusinessState, realtime.HubOptions{
		KeepAlive: cfg.KeepAliveInterval,
		WriteWait: cfg.WSWriteWait,
		Clock:     en.clock,
		Location:  loc,
		Publisher: publisher,
		Monitor:   en.monitor,
	})
	en.booking.SetNotifier(en.hub)
	en.ops.SetNotifier(en.hub)

	return en, nil
}

// startBackground starts the restore worker and scheduler when Redis is
// available, queues a restore of today and serves metrics.
func (en *engine) startBackground(ctx context.Context) error {
	if en.cfg.EnableMetrics {
		en.startMetrics()
	}
	if en.redis == nil {
		return nil
	}

	redisOpt, err := asynq.ParseRedisURI(en.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url for tasks: %w", err)
	}
	en.tasks = asynq.NewClient(redisOpt)

	if en.cfg.EnableWorker {
		restorer := tasks.NewRestorer(en.repo, en.live, en.tasks, tasks.RestorerOptions{
			DefaultServiceMinutes: en.cfg.DefaultServiceMinutes,
			Location:              en.loc,
			Clock:                 en.clock,
		})
		mux := asynq.NewServeMux()
		restorer.Register(mux)

		en.worker = tasks.NewServer(redisOpt, en.cfg.WorkerConcurrency, slog.Default())
		if err := en.worker.Start(mux); err != nil {
			return fmt.Errorf("start task worker: %w", err)
		}

		if en.scheduler, err = tasks.NewScheduler(redisOpt, en.cfg.RestoreCron, en.loc); err != nil {
			return err
		}
		if err := en.scheduler.Start(); err != nil {
			return fmt.Errorf("start task scheduler: %w", err)
		}
		log.Printf("Task worker started, restore schedule %q", en.cfg.RestoreCron)
	}

	today := en.clock.Now().In(en.loc).Format(models.DateLayout)
	task, err := tasks.NewRestoreDayTask(today)
	if err != nil {
		return err
	}
	if _, err := en.tasks.EnqueueContext(ctx, task); err != nil {
		slog.Warn("Failed to queue live state restore", "error", err, "date", today)
	}
	return nil
}

func (en *engine) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	en.metrics = &http.Server{
		Addr:              ":" + en.cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Metrics server listening on :%s", en.cfg.MetricsPort)
		if err := en.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server stopped", "error", err)
		}
	}()
}

// Close releases every resource that was opened, in reverse order.
func (en *engine) Close() error {
	var result *multierror.Error

	if en.hub != nil {
		en.hub.Close()
	}
	if en.scheduler != nil {
		en.scheduler.Shutdown()
	}
	if en.worker != nil {
		en.worker.Shutdown()
	}
	if en.tasks != nil {
		if err := en.tasks.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close task client: %w", err))
		}
	}
	if en.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := en.metrics.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop metrics server: %w", err))
		}
		cancel()
	}
	if en.live != nil {
		if err := en.live.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close live state: %w", err))
		}
	} else if en.redis != nil {
		if err := en.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	if en.repo != nil {
		if err := en.repo.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close queue store: %w", err))
		}
	}

	return result.ErrorOrNil()
}
