// Package tasks holds the background jobs that rebuild the live queue state
// from the durable store.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"k8s.io/utils/clock"

	"web-eq/internal/livestate"
	"web-eq/models"
)

const (
	TypeRestoreDay   = "livestate:restore_day"
	TypeRestoreQueue = "livestate:restore_queue"

	restoreUniqueTTL = 5 * time.Minute
)

// RestoreDayPayload asks for every queue with active entries on Date to be
// restored. An empty Date means today at the time the task runs.
type RestoreDayPayload struct {
	Date string `json:"date,omitempty"`
}

type RestoreQueuePayload struct {
	QueueID string `json:"queue_id"`
	Date    string `json:"date"`
}

func NewRestoreDayTask(date string) (*asynq.Task, error) {
	payload, err := json.Marshal(RestoreDayPayload{Date: date})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRestoreDay, payload, asynq.MaxRetry(3)), nil
}

func NewRestoreQueueTask(queueID, date string) (*asynq.Task, error) {
	payload, err := json.Marshal(RestoreQueuePayload{QueueID: queueID, Date: date})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRestoreQueue, payload, asynq.MaxRetry(5), asynq.Unique(restoreUniqueTTL)), nil
}

// Source is the durable data a restore reads.
type Source interface {
	QueuesWithActiveEntries(ctx context.Context, date string) ([]string, error)
	ActiveEntriesForDay(ctx context.Context, queueID, date string) ([]models.QueueEntry, error)
	MaxToken(ctx context.Context, queueID, date string) (models.Token, error)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type RestorerOptions struct {
	DefaultServiceMinutes int
	Location              *time.Location
	Clock                 clock.PassiveClock
	Logger                *slog.Logger
}

type Restorer struct {
	source      Source
	live        livestate.Store
	enqueuer    Enqueuer
	defaultTurn int
	loc         *time.Location
	clock       clock.PassiveClock
	logger      *slog.Logger
}

func NewRestorer(source Source, live livestate.Store, enqueuer Enqueuer, opts RestorerOptions) *Restorer {
	if opts.DefaultServiceMinutes <= 0 {
		opts.DefaultServiceMinutes = 5
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Restorer{
		source:      source,
		live:        live,
		enqueuer:    enqueuer,
		defaultTurn: opts.DefaultServiceMinutes,
		loc:         opts.Location,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
}

// Register binds the restore handlers on mux.
func (r *Restorer) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeRestoreDay, r.HandleRestoreDay)
	mux.HandleFunc(TypeRestoreQueue, r.HandleRestoreQueue)
}

func (r *Restorer) HandleRestoreDay(ctx context.Context, t *asynq.Task) error {
	var payload RestoreDayPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TypeRestoreDay, err, asynq.SkipRetry)
	}

	date := payload.Date
	if date == "" {
		date = r.clock.Now().In(r.loc).Format(models.DateLayout)
	}
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return fmt.Errorf("restore day %q: %v: %w", date, err, asynq.SkipRetry)
	}

	queueIDs, err := r.source.QueuesWithActiveEntries(ctx, date)
	if err != nil {
		return err
	}

	var enqueued int
	for _, queueID := range queueIDs {
		task, err := NewRestoreQueueTask(queueID, date)
		if err != nil {
			return err
		}
		if _, err := r.enqueuer.EnqueueContext(ctx, task); err != nil {
			if errors.Is(err, asynq.ErrDuplicateTask) {
				continue
			}
			return fmt.Errorf("enqueue restore of queue %s: %w", queueID, err)
		}
		enqueued++
	}

	r.logger.Info("Scheduled live state restore", "date", date, "queues", len(queueIDs), "enqueued", enqueued)
	return nil
}

func (r *Restorer) HandleRestoreQueue(ctx context.Context, t *asynq.Task) error {
	var payload RestoreQueuePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TypeRestoreQueue, err, asynq.SkipRetry)
	}
	if payload.QueueID == "" || payload.Date == "" {
		return fmt.Errorf("restore queue needs queue_id and date: %w", asynq.SkipRetry)
	}

	snapshot, err := r.snapshot(ctx, payload.QueueID, payload.Date)
	if err != nil {
		return err
	}
	if err := r.live.Rebuild(ctx, payload.QueueID, payload.Date, snapshot); err != nil {
		return fmt.Errorf("rebuild live state of queue %s: %w", payload.QueueID, err)
	}

	r.logger.Info("Restored live queue state",
		"queue_id", payload.QueueID,
		"date", payload.Date,
		"registered", len(snapshot.Registered),
		"in_progress", len(snapshot.InProgress),
		"last_token", int64(snapshot.LastToken),
		"mode", r.live.Mode(),
	)
	return nil
}

func (r *Restorer) snapshot(ctx context.Context, queueID, date string) (livestate.Snapshot, error) {
	entries, err := r.source.ActiveEntriesForDay(ctx, queueID, date)
	if err != nil {
		return livestate.Snapshot{}, err
	}
	last, err := r.source.MaxToken(ctx, queueID, date)
	if err != nil {
		return livestate.Snapshot{}, err
	}

	snapshot := livestate.Snapshot{LastToken: last}
	for _, entry := range entries {
		turn := entry.TurnTime
		if turn <= 0 {
			turn = r.defaultTurn
		}
		member := livestate.Member{
			UserID:       entry.UserID,
			Token:        entry.Token,
			TotalSeconds: turn * 60,
			CreatedAt:    entry.CreatedAt,
		}
		switch entry.Status {
		case models.EntryInProgress:
			snapshot.InProgress = append(snapshot.InProgress, member)
		case models.EntryRegistered:
			snapshot.Registered = append(snapshot.Registered, member)
		}
	}
	return snapshot, nil
}

// NewServer builds the worker server the restore handlers run on.
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, logger *slog.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("Background task failed", "type", task.Type(), "error", err)
		}),
	})
}

// NewScheduler registers the daily restore of the current day on cron,
// evaluated in loc.
func NewScheduler(redisOpt asynq.RedisConnOpt, cron string, loc *time.Location) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: loc})

	task, err := NewRestoreDayTask("")
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(cron, task); err != nil {
		return nil, fmt.Errorf("register restore schedule %q: %w", cron, err)
	}
	return scheduler, nil
}
