package livestate

import (
	"context"
	"errors"
	"log/slog"

	"web-eq/internal/status"
	"web-eq/models"
	"web-eq/monitoring"
	"web-eq/utils"
)

// Resilient routes calls to a primary store through a circuit breaker. Any
// failure, including an open breaker, is answered by the degraded store so
// callers never see a live state error.
type Resilient struct {
	primary  Store
	fallback *Degraded
	breaker  *utils.CircuitBreaker
	logger   *slog.Logger
	monitor  *monitoring.Monitor
}

func NewResilient(primary Store, opts Options) *Resilient {
	opts.defaults()
	return &Resilient{
		primary:  primary,
		fallback: NewDegraded(opts.DefaultPerUserMinutes),
		breaker:  utils.NewCircuitBreaker("livestate", opts.Breaker, opts.Clock),
		logger:   opts.Logger,
		monitor:  opts.Monitor,
	}
}

// Breaker exposes the breaker state for health reporting.
func (r *Resilient) Breaker() *utils.CircuitBreaker {
	return r.breaker
}

// call runs fn under the breaker. ErrNotInQueue is an answer, not a failure,
// so it passes through without counting against the breaker.
func (r *Resilient) call(operation string, fn func() error) error {
	var answer error
	err := r.breaker.Execute(func() error {
		err := fn()
		if errors.Is(err, status.ErrNotInQueue) {
			answer = err
			return nil
		}
		return err
	})
	if answer != nil {
		return answer
	}
	if err != nil {
		r.logger.Warn("Live queue state unavailable, using degraded answer",
			"operation", operation, "error", err, "breaker", r.breaker.State().String())
		r.monitor.TrackDegraded(operation)
		return err
	}
	return nil
}

func (r *Resilient) QueueLength(ctx context.Context, queueID, date string) (int, error) {
	var n int
	err := r.call("queue_length", func() (err error) {
		n, err = r.primary.QueueLength(ctx, queueID, date)
		return err
	})
	if err != nil {
		return r.fallback.QueueLength(ctx, queueID, date)
	}
	return n, nil
}

func (r *Resilient) InProgressCount(ctx context.Context, queueID, date string) (int, error) {
	var n int
	err := r.call("in_progress_count", func() (err error) {
		n, err = r.primary.InProgressCount(ctx, queueID, date)
		return err
	})
	if err != nil {
		return r.fallback.InProgressCount(ctx, queueID, date)
	}
	return n, nil
}

func (r *Resilient) PositionOf(ctx context.Context, queueID, date, userID string) (int, error) {
	var n int
	err := r.call("position_of", func() (err error) {
		n, err = r.primary.PositionOf(ctx, queueID, date, userID)
		return err
	})
	if err != nil {
		return r.fallback.PositionOf(ctx, queueID, date, userID)
	}
	return n, nil
}

func (r *Resilient) Enqueue(ctx context.Context, queueID, date string, member Member) (EnqueueOutcome, error) {
	var outcome EnqueueOutcome
	err := r.call("enqueue", func() (err error) {
		outcome, err = r.primary.Enqueue(ctx, queueID, date, member)
		return err
	})
	if err != nil {
		return r.fallback.Enqueue(ctx, queueID, date, member)
	}
	return outcome, nil
}

func (r *Resilient) EstimateWaitForRank(ctx context.Context, queueID, date string, rank int) (int, error) {
	var n int
	err := r.call("estimate_wait", func() (err error) {
		n, err = r.primary.EstimateWaitForRank(ctx, queueID, date, rank)
		return err
	})
	if err != nil {
		return r.fallback.EstimateWaitForRank(ctx, queueID, date, rank)
	}
	return n, nil
}

func (r *Resilient) NextToken(ctx context.Context, queueID, date string, floor models.Token) (models.Token, error) {
	var token models.Token
	err := r.call("next_token", func() (err error) {
		token, err = r.primary.NextToken(ctx, queueID, date, floor)
		return err
	})
	if err != nil {
		return r.fallback.NextToken(ctx, queueID, date, floor)
	}
	return token, nil
}

func (r *Resilient) CurrentToken(ctx context.Context, queueID, date string) (string, error) {
	var token string
	err := r.call("current_token", func() (err error) {
		token, err = r.primary.CurrentToken(ctx, queueID, date)
		return err
	})
	if err != nil {
		return r.fallback.CurrentToken(ctx, queueID, date)
	}
	return token, nil
}

func (r *Resilient) StartService(ctx context.Context, queueID, date, userID string) error {
	err := r.call("start_service", func() error {
		return r.primary.StartService(ctx, queueID, date, userID)
	})
	if errors.Is(err, status.ErrNotInQueue) {
		return err
	}
	if err != nil {
		return r.fallback.StartService(ctx, queueID, date, userID)
	}
	return nil
}

func (r *Resilient) Finish(ctx context.Context, queueID, date, userID string, final models.EntryStatus) error {
	err := r.call("finish", func() error {
		return r.primary.Finish(ctx, queueID, date, userID, final)
	})
	if err != nil {
		return r.fallback.Finish(ctx, queueID, date, userID, final)
	}
	return nil
}

func (r *Resilient) Rebuild(ctx context.Context, queueID, date string, snapshot Snapshot) error {
	err := r.call("rebuild", func() error {
		return r.primary.Rebuild(ctx, queueID, date, snapshot)
	})
	if err != nil {
		return r.fallback.Rebuild(ctx, queueID, date, snapshot)
	}
	return nil
}

// Mode reports degraded while the breaker is open.
func (r *Resilient) Mode() string {
	if r.breaker.State() == utils.StateOpen {
		return ModeDegraded
	}
	return r.primary.Mode()
}

// Ping reports the primary's health directly, bypassing the breaker.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.primary.Ping(ctx)
}

func (r *Resilient) Close() error {
	return r.primary.Close()
}
