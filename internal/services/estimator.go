package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"web-eq/config"
	"web-eq/internal/status"
	"web-eq/models"
	"web-eq/monitoring"
)

// Estimator computes position and wait-time estimates for queues on a
// booking date.
type Estimator struct {
	cfg     *config.Config
	loads   LoadReader
	loc     *time.Location
	clock   clock.PassiveClock
	cache   *gocache.Cache
	monitor *monitoring.Monitor
}

func NewEstimator(cfg *config.Config, loads LoadReader, loc *time.Location, clk clock.PassiveClock, monitor *monitoring.Monitor) *Estimator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Estimator{
		cfg:     cfg,
		loads:   loads,
		loc:     loc,
		clock:   clk,
		cache:   gocache.New(cfg.PercentileCacheTTL, 2*cfg.PercentileCacheTTL),
		monitor: monitor,
	}
}

// Percentile returns the value at index floor(n*p) of the positive samples
// in ascending order, clamped to the last index. def is returned when no
// sample is positive.
func Percentile(samples []float64, p, def float64) float64 {
	values := make([]float64, 0, len(samples))
	for _, v := range samples {
		if v > 0 {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return def
	}
	sort.Float64s(values)

	idx := int(math.Floor(float64(len(values)) * p))
	if idx >= len(values) {
		idx = len(values) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return values[idx]
}

// lookbackDates are the same weekday in each of the preceding weeks,
// excluding ref itself.
func (e *Estimator) lookbackDates(ref time.Time) []string {
	weeks := e.cfg.HistoryWeeks
	if weeks <= 0 {
		weeks = 4
	}
	dates := make([]string, 0, weeks)
	for i := 1; i <= weeks; i++ {
		dates = append(dates, ref.AddDate(0, 0, -7*i).Format(models.DateLayout))
	}
	return dates
}

func percentileKey(queueID, refDate string) string {
	return queueID + "|" + refDate
}

// PercentileWaits returns the historical wait percentile of each queue for
// ref. Cached values are reused; the rest are computed from one query.
func (e *Estimator) PercentileWaits(ctx context.Context, queueIDs []string, ref time.Time) (map[string]float64, error) {
	refDate := ref.Format(models.DateLayout)
	result := make(map[string]float64, len(queueIDs))

	var missing []string
	for _, id := range queueIDs {
		if v, ok := e.cache.Get(percentileKey(id, refDate)); ok {
			result[id] = v.(float64)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result, nil
	}

	samples, err := e.loads.CompletedSamples(ctx, missing, e.lookbackDates(ref))
	if err != nil {
		return nil, err
	}

	byQueue := make(map[string][]float64, len(missing))
	for _, s := range samples {
		byQueue[s.QueueID] = append(byQueue[s.QueueID], s.WaitMinutes())
	}
	for _, id := range missing {
		v := Percentile(byQueue[id], e.cfg.WaitPercentile, e.cfg.DefaultPercentileWait)
		e.cache.SetDefault(percentileKey(id, refDate), v)
		result[id] = v
	}
	return result, nil
}

// EstimateBatch estimates every queue for date, in input order. Durable
// counts and percentiles are each fetched once for the whole batch.
func (e *Estimator) EstimateBatch(ctx context.Context, queues []models.Queue, date string) ([]models.Estimate, error) {
	day, ok := resolveDay(date, e.clock, e.loc)
	if !ok {
		return nil, status.ErrInvalidDate
	}
	if len(queues) == 0 {
		return nil, nil
	}

	kind := "future"
	if day.sameDay {
		kind = "same_day"
	}
	started := e.clock.Now()
	defer func() { e.monitor.ObserveEstimate(kind, e.clock.Since(started)) }()

	queueIDs := make([]string, len(queues))
	for i, q := range queues {
		queueIDs[i] = q.ID
	}

	var (
		percentiles map[string]float64
		loads       map[string]models.QueueLoad
		counts      map[string]int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		percentiles, err = e.PercentileWaits(gctx, queueIDs, day.day)
		return err
	})
	g.Go(func() (err error) {
		if day.sameDay {
			loads, err = e.loads.SameDayLoad(gctx, queueIDs, day.date, e.cfg.DefaultServiceMinutes)
		} else {
			counts, err = e.loads.ScheduledCounts(gctx, queueIDs, day.date)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	estimates := make([]models.Estimate, len(queues))
	for i, q := range queues {
		if day.sameDay {
			estimates[i] = e.sameDay(q, loads[q.ID], percentiles[q.ID])
		} else {
			estimates[i] = e.future(q, day.day, counts[q.ID], percentiles[q.ID])
		}
	}
	return estimates, nil
}

func (e *Estimator) Estimate(ctx context.Context, queue models.Queue, date string) (models.Estimate, error) {
	estimates, err := e.EstimateBatch(ctx, []models.Queue{queue}, date)
	if err != nil {
		return models.Estimate{}, err
	}
	return estimates[0], nil
}

// EstimateExisting recomputes the metrics of an entry already in its queue,
// counting only the active entries ahead of it.
func (e *Estimator) EstimateExisting(ctx context.Context, queue models.Queue, entry *models.QueueEntry) (models.Estimate, error) {
	day, ok := resolveDay(entry.QueueDate, e.clock, e.loc)
	if !ok {
		return models.Estimate{}, status.ErrInvalidDate
	}
	ahead, err := e.loads.AheadOf(ctx, entry, e.cfg.DefaultServiceMinutes)
	if err != nil {
		return models.Estimate{}, err
	}
	percentiles, err := e.PercentileWaits(ctx, []string{queue.ID}, day.day)
	if err != nil {
		return models.Estimate{}, err
	}
	if day.sameDay {
		return e.sameDay(queue, ahead, percentiles[queue.ID]), nil
	}
	return e.future(queue, day.day, ahead.Registered+ahead.InProgress, percentiles[queue.ID]), nil
}

func (e *Estimator) sameDay(queue models.Queue, load models.QueueLoad, percentile float64) models.Estimate {
	position := load.Registered + load.InProgress + 1

	base := load.TotalTurnMinutes
	if base <= 0 {
		base = int(math.Round(float64(position) * percentile))
	}
	buffer := int(math.Round(float64(base) * e.cfg.SameDayBufferRatio))
	wait := base + buffer

	at := e.clock.Now().In(e.loc).Add(time.Duration(wait) * time.Minute)
	return e.build(queue, position, wait, max(0, base-buffer), wait+buffer, at)
}

func (e *Estimator) future(queue models.Queue, day time.Time, scheduled int, percentile float64) models.Estimate {
	position := scheduled + 1
	wait := int(math.Round(float64(position) * percentile))
	buffer := int(math.Round(float64(wait) * e.cfg.FutureBufferRatio))

	at := e.startOf(queue, day).Add(time.Duration(wait) * time.Minute)
	return e.build(queue, position, wait, max(0, wait-buffer), wait+buffer, at)
}

// startOf is the opening time of queue on day, falling back to the default
// start time.
func (e *Estimator) startOf(queue models.Queue, day time.Time) time.Time {
	start, err := time.Parse(models.ClockLayout, queue.StartTime)
	if err != nil {
		start, err = time.Parse(models.ClockLayout, e.cfg.DefaultStartTime)
		if err != nil {
			start = time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC)
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), start.Hour(), start.Minute(), 0, 0, e.loc)
}

func (e *Estimator) build(queue models.Queue, position, wait, low, high int, at time.Time) models.Estimate {
	capacity := queue.Capacity(e.cfg.MaxQueueSize)
	return models.Estimate{
		QueueID:                  queue.ID,
		QueueName:                queue.Name,
		Position:                 position,
		EstimatedWaitMinutes:     wait,
		EstimatedWaitRange:       fmt.Sprintf("%d-%d min", low, high),
		EstimatedAppointmentTime: at.Format(models.ClockLayout),
		Available:                position < capacity,
		Capacity:                 capacity,
		WaitLow:                  low,
		WaitHigh:                 high,
		AppointmentAt:            at,
	}
}
