package cmd

import (
	"errors"
	"fmt"
	"log"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"web-eq/config"
	"web-eq/internal/tasks"
	"web-eq/monitoring"
)

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-migrate",
		Short: "Apply pending migrations of the durable queue store",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			log.Printf("Queue store %s is up to date", cfg.DBDriver)
			return repo.Close()
		},
	}
}

func newWorkerCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-worker",
		Short: "Run the live state restore worker and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			repo, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			client, err := connectRedis(ctx, cfg)
			if err != nil {
				return err
			}
			if client == nil {
				return errors.New("queue-worker needs a reachable redis")
			}
			live := newLiveStore(cfg, client, monitoring.NewMonitor())
			defer live.Close()

			redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse redis url for tasks: %w", err)
			}
			taskClient := asynq.NewClient(redisOpt)
			defer taskClient.Close()

			restorer := tasks.NewRestorer(repo, live, taskClient, tasks.RestorerOptions{
				DefaultServiceMinutes: cfg.DefaultServiceMinutes,
				Location:              loc,
				Clock:                 clock.RealClock{},
			})
			mux := asynq.NewServeMux()
			restorer.Register(mux)

			scheduler, err := tasks.NewScheduler(redisOpt, cfg.RestoreCron, loc)
			if err != nil {
				return err
			}
			if err := scheduler.Start(); err != nil {
				return fmt.Errorf("start task scheduler: %w", err)
			}
			defer scheduler.Shutdown()

			slog.Info("Queue worker running", "restore_cron", cfg.RestoreCron, "concurrency", cfg.WorkerConcurrency)
			// Run blocks until SIGINT or SIGTERM.
			return tasks.NewServer(redisOpt, cfg.WorkerConcurrency, slog.Default()).Run(mux)
		},
	}
}
