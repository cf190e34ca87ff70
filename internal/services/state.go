package services

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"web-eq/config"
	"web-eq/internal/livestate"
	"web-eq/internal/status"
	"web-eq/models"
	"web-eq/monitoring"
)

// StateAggregator builds business-wide views of the live queues.
type StateAggregator struct {
	cfg       *config.Config
	repo      QueueRepository
	live      livestate.Store
	estimator *Estimator
	loc       *time.Location
	clock     clock.PassiveClock
	monitor   *monitoring.Monitor
}

func NewStateAggregator(cfg *config.Config, repo QueueRepository, live livestate.Store, estimator *Estimator, loc *time.Location, clk clock.PassiveClock, monitor *monitoring.Monitor) *StateAggregator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &StateAggregator{
		cfg:       cfg,
		repo:      repo,
		live:      live,
		estimator: estimator,
		loc:       loc,
		clock:     clk,
		monitor:   monitor,
	}
}

type liveQueue struct {
	length  int
	current string
	wait    int
}

func (a *StateAggregator) readLive(ctx context.Context, queues []models.Queue, date string, withCurrent bool) ([]liveQueue, error) {
	out := make([]liveQueue, len(queues))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, q := range queues {
		g.Go(func() error {
			length, err := a.live.QueueLength(gctx, q.ID, date)
			if err != nil {
				return err
			}
			wait, err := a.live.EstimateWaitForRank(gctx, q.ID, date, length+1)
			if err != nil {
				return err
			}
			var current string
			if withCurrent {
				if current, err = a.live.CurrentToken(gctx, q.ID, date); err != nil {
					return err
				}
			}
			out[i] = liveQueue{length: length, current: current, wait: wait}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// AggregateBusinessState is the snapshot pushed to live subscribers and
// served for polling.
func (a *StateAggregator) AggregateBusinessState(ctx context.Context, businessID, date string) (*models.BusinessState, error) {
	if _, ok := resolveDay(date, a.clock, a.loc); !ok {
		return nil, status.ErrInvalidDate
	}
	queues, err := a.repo.ListQueuesByBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}
	lives, err := a.readLive(ctx, queues, date, true)
	if err != nil {
		return nil, err
	}

	state := &models.BusinessState{
		BusinessID: businessID,
		Date:       date,
		Queues:     make([]models.QueueState, 0, len(queues)),
	}
	for i, q := range queues {
		limit := q.Capacity(a.cfg.MaxQueueSize)
		l := lives[i]
		a.monitor.SetQueueLength(q.ID, l.length)
		state.Queues = append(state.Queues, models.QueueState{
			QueueID:              q.ID,
			QueueName:            q.Name,
			CurrentLength:        l.length,
			Limit:                limit,
			Available:            l.length < limit,
			CurrentToken:         l.current,
			EstimatedWaitMinutes: l.wait,
		})
		state.TotalWaiting += l.length
	}
	return state, nil
}

// Availability lists bookable slots of a business on date, optionally
// restricted to queues serving any of offeringIDs.
func (a *StateAggregator) Availability(ctx context.Context, businessID, date string, offeringIDs []string) ([]models.AvailabilitySlot, error) {
	day, ok := resolveDay(date, a.clock, a.loc)
	if !ok {
		return nil, status.ErrInvalidDate
	}

	var (
		queues []models.Queue
		err    error
	)
	if len(offeringIDs) > 0 {
		queues, err = a.repo.EligibleQueues(ctx, businessID, offeringIDs)
	} else {
		queues, err = a.repo.ListQueuesByBusiness(ctx, businessID)
	}
	if err != nil {
		return nil, err
	}

	slots := make([]models.AvailabilitySlot, 0, len(queues))
	if day.sameDay {
		lives, err := a.readLive(ctx, queues, day.date, false)
		if err != nil {
			return nil, err
		}
		now := a.clock.Now().In(a.loc)
		for i, q := range queues {
			at := now.Add(time.Duration(lives[i].wait) * time.Minute)
			slots = append(slots, a.slot(q, day.date, lives[i].length, lives[i].wait, at.Format(models.ClockLayout)))
		}
		return slots, nil
	}

	estimates, err := a.estimator.EstimateBatch(ctx, queues, day.date)
	if err != nil {
		return nil, err
	}
	for i, q := range queues {
		est := estimates[i]
		slots = append(slots, a.slot(q, day.date, est.Position-1, est.EstimatedWaitMinutes, est.EstimatedAppointmentTime))
	}
	return slots, nil
}

func (a *StateAggregator) slot(q models.Queue, date string, current, wait int, appointment string) models.AvailabilitySlot {
	capacity := q.Capacity(a.cfg.MaxQueueSize)
	return models.AvailabilitySlot{
		QueueID:                  q.ID,
		QueueName:                q.Name,
		Date:                     date,
		Available:                current < capacity,
		CurrentPosition:          current,
		Capacity:                 capacity,
		EstimatedWaitMinutes:     wait,
		EstimatedAppointmentTime: appointment,
		Status:                   slotStatus(current, capacity, a.cfg.FillingFastRatio),
	}
}

func slotStatus(current, capacity int, fillingFast float64) string {
	switch {
	case current >= capacity:
		return models.SlotFull
	case float64(current) >= float64(capacity)*fillingFast:
		return models.SlotFillingFast
	default:
		return models.SlotAvailable
	}
}
