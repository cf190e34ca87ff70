// Package livestate keeps the ordered, per queue and per day view of who is
// waiting and who is being served. Redis is the real backend; when it is not
// configured, or while it is failing, answers come from the degraded store.
package livestate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"web-eq/models"
	"web-eq/monitoring"
	"web-eq/utils"
)

const (
	ModeRedis    = "redis"
	ModeDegraded = "degraded"
)

// Store is the live queue state capability.
type Store interface {
	// QueueLength is the size of the registered sequence.
	QueueLength(ctx context.Context, queueID, date string) (int, error)
	InProgressCount(ctx context.Context, queueID, date string) (int, error)
	// PositionOf is the 1-based rank of userID in the registered sequence,
	// or status.ErrNotInQueue.
	PositionOf(ctx context.Context, queueID, date, userID string) (int, error)
	Enqueue(ctx context.Context, queueID, date string, member Member) (EnqueueOutcome, error)
	// EstimateWaitForRank sums the expected service time of the first rank-1
	// registered members, in minutes.
	EstimateWaitForRank(ctx context.Context, queueID, date string, rank int) (int, error)
	// NextToken atomically issues the next token for a queue and date. The
	// result is always above floor. Zero means no token could be issued
	// here and the durable store must assign one.
	NextToken(ctx context.Context, queueID, date string, floor models.Token) (models.Token, error)
	// CurrentToken is the token of the member at the head of in_progress.
	CurrentToken(ctx context.Context, queueID, date string) (string, error)
	StartService(ctx context.Context, queueID, date, userID string) error
	Finish(ctx context.Context, queueID, date, userID string, final models.EntryStatus) error
	// Rebuild replaces the state of a queue and date with snapshot.
	Rebuild(ctx context.Context, queueID, date string, snapshot Snapshot) error
	Mode() string
	Ping(ctx context.Context) error
	Close() error
}

// Member is one user's place in a live queue.
type Member struct {
	UserID       string
	Token        models.Token
	TotalSeconds int
	CreatedAt    time.Time
}

// Snapshot is the durable view a live queue is rebuilt from.
type Snapshot struct {
	Registered []Member
	InProgress []Member
	LastToken  models.Token
}

type EnqueueOutcome int

const (
	// EnqueueSkipped means there is no live state to write to.
	EnqueueSkipped EnqueueOutcome = iota
	EnqueueAdded
	EnqueueAlreadyPresent
)

func (o EnqueueOutcome) String() string {
	switch o {
	case EnqueueAdded:
		return "added"
	case EnqueueAlreadyPresent:
		return "already_present"
	default:
		return "skipped"
	}
}

type Options struct {
	TTL                   time.Duration
	DefaultPerUserMinutes int
	Breaker               utils.BreakerSettings
	Clock                 clock.PassiveClock
	Logger                *slog.Logger
	Monitor               *monitoring.Monitor
}

func (o *Options) defaults() {
	if o.DefaultPerUserMinutes <= 0 {
		o.DefaultPerUserMinutes = 5
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Breaker == (utils.BreakerSettings{}) {
		o.Breaker = utils.DefaultBreakerSettings()
	}
}

// New returns the Redis backed store guarded by a circuit breaker, or the
// degraded store when client is nil.
func New(client *redis.Client, opts Options) Store {
	opts.defaults()
	if client == nil {
		opts.Logger.Warn("Live queue state running without Redis, using degraded store")
		return NewDegraded(opts.DefaultPerUserMinutes)
	}
	return NewResilient(NewRedis(client, opts), opts)
}

func registeredKey(queueID, date string) string {
	return fmt.Sprintf("queue:%s:%s:status:registered", queueID, date)
}

func inProgressKey(queueID, date string) string {
	return fmt.Sprintf("queue:%s:%s:status:in_progress", queueID, date)
}

func membersKey(queueID, date string) string {
	return fmt.Sprintf("queue:%s:%s:members", queueID, date)
}

func tokenKey(queueID, date string) string {
	return fmt.Sprintf("queue:%s:%s:last_token", queueID, date)
}

func userKey(queueID, date, userID string) string {
	return fmt.Sprintf("user:%s:%s:%s", queueID, date, userID)
}
