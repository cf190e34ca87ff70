package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"k8s.io/utils/clock"

	"web-eq/config"
	"web-eq/internal/livestate"
	"web-eq/internal/status"
	"web-eq/models"
	"web-eq/monitoring"
)

// Booking stages, also used as rejection labels.
const (
	StageValidating       = "validating"
	StageServiceResolved  = "service_resolved"
	StageQueueResolved    = "queue_resolved"
	StageDuplicateChecked = "duplicate_checked"
	StagePersisted        = "persisted"
	StageCacheUpdated     = "cache_updated"
	StageBroadcast        = "broadcast"
)

const tokenAttempts = 3

type BookingService struct {
	cfg       *config.Config
	repo      QueueRepository
	live      livestate.Store
	estimator *Estimator
	selector  *Selector
	notifier  Notifier
	loc       *time.Location
	clock     clock.PassiveClock
	monitor   *monitoring.Monitor
}

func NewBookingService(cfg *config.Config, repo QueueRepository, live livestate.Store, estimator *Estimator, selector *Selector, loc *time.Location, clk clock.PassiveClock, monitor *monitoring.Monitor) *BookingService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &BookingService{
		cfg:       cfg,
		repo:      repo,
		live:      live,
		estimator: estimator,
		selector:  selector,
		notifier:  noopNotifier{},
		loc:       loc,
		clock:     clk,
		monitor:   monitor,
	}
}

// SetNotifier wires the broadcaster once it exists. The broadcaster reads
// state through the services, so it is built after them.
func (s *BookingService) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifier = n
}

func (s *BookingService) reject(stage string, err error) error {
	s.monitor.TrackRejection(stage)
	return err
}

// Book places the user in a queue for the requested date. A same-day
// request for a queue the user is already waiting in returns the existing
// ticket.
func (s *BookingService) Book(ctx context.Context, req models.BookingRequest) (*models.BookingConfirmation, error) {
	day, ok := resolveDay(req.Date, s.clock, s.loc)
	if !ok {
		return nil, s.reject(StageValidating, status.ErrInvalidDate)
	}
	if day.past {
		return nil, s.reject(StageValidating, status.ErrDateInPast)
	}

	business, err := s.repo.GetBusiness(ctx, req.BusinessID)
	if err != nil {
		return nil, s.reject(StageValidating, err)
	}

	offerings, err := s.repo.ResolveOfferings(ctx, business.ID, req.OfferingIDs)
	if err != nil {
		return nil, s.reject(StageServiceResolved, err)
	}
	if len(offerings) == 0 {
		return nil, s.reject(StageServiceResolved, status.ErrNoValidServices)
	}
	offeringIDs := make([]string, len(offerings))
	for i, o := range offerings {
		offeringIDs[i] = o.ID
	}

	queue, estimate, err := s.resolveQueue(ctx, business.ID, req.QueueID, day.date, offeringIDs)
	if err != nil {
		return nil, s.reject(StageQueueResolved, err)
	}

	if day.sameDay {
		existing, err := s.repo.FindActiveEntry(ctx, req.UserID, queue.ID, day.date)
		switch {
		case err == nil:
			return s.existing(ctx, business, queue, existing)
		case !errors.Is(err, status.ErrTicketNotFound):
			return nil, s.reject(StageDuplicateChecked, err)
		}
	}

	turn := 0
	for _, o := range offerings {
		turn += o.DurationMinutes(s.cfg.DefaultServiceMinutes)
	}
	start := estimate.AppointmentAt
	end := start.Add(time.Duration(turn) * time.Minute)
	entry := &models.QueueEntry{
		UserID:               req.UserID,
		QueueID:              queue.ID,
		QueueDate:            day.date,
		Status:               models.EntryRegistered,
		TurnTime:             turn,
		EstimatedEnqueueTime: &start,
		EstimatedDequeueTime: &end,
		IsScheduled:          !day.sameDay,
		Notes:                req.Notes,
		CreatedAt:            s.clock.Now().UTC(),
	}

	err = s.persist(ctx, entry, offeringIDs, day.sameDay)
	if errors.Is(err, status.ErrDuplicateActiveEntry) {
		existing, findErr := s.repo.FindActiveEntry(ctx, req.UserID, queue.ID, day.date)
		if findErr != nil {
			return nil, s.reject(StagePersisted, findErr)
		}
		return s.existing(ctx, business, queue, existing)
	}
	if err != nil {
		slog.Error("Failed to persist booking", "error", err, "queue_id", queue.ID, "user_id", req.UserID)
		return nil, s.reject(StagePersisted, err)
	}

	if day.sameDay {
		s.afterCommit(ctx, business.ID, entry)
	}

	s.monitor.TrackBooking("created")
	return &models.BookingConfirmation{
		TicketID:                 entry.ID,
		Token:                    entry.Token.String(),
		QueueID:                  queue.ID,
		QueueName:                queue.Name,
		BusinessID:               business.ID,
		BusinessName:             business.Name,
		Date:                     day.date,
		Position:                 estimate.Position,
		EstimatedWaitMinutes:     estimate.EstimatedWaitMinutes,
		EstimatedWaitRange:       estimate.EstimatedWaitRange,
		EstimatedAppointmentTime: estimate.EstimatedAppointmentTime,
		Services:                 serviceLines(offerings, s.cfg.DefaultServiceMinutes),
		IsScheduled:              entry.IsScheduled,
		Status:                   models.BookingConfirmed,
		CreatedAt:                entry.CreatedAt,
	}, nil
}

func (s *BookingService) resolveQueue(ctx context.Context, businessID, queueID, date string, offeringIDs []string) (models.Queue, models.Estimate, error) {
	if queueID == "" {
		best, err := s.selector.FindOptimalQueue(ctx, businessID, date, offeringIDs)
		if err != nil {
			return models.Queue{}, models.Estimate{}, err
		}
		queueID = best.QueueID
		queue, err := s.repo.GetQueue(ctx, queueID)
		if err != nil {
			return models.Queue{}, models.Estimate{}, err
		}
		return *queue, *best, nil
	}

	queue, err := s.repo.GetQueue(ctx, queueID)
	if err != nil {
		return models.Queue{}, models.Estimate{}, err
	}
	if queue.BusinessID != businessID {
		return models.Queue{}, models.Estimate{}, status.ErrQueueNotFound
	}
	if queue.Status == models.QueueStopped {
		return models.Queue{}, models.Estimate{}, status.ErrQueueStopped
	}
	estimate, err := s.estimator.Estimate(ctx, *queue, date)
	if err != nil {
		return models.Queue{}, models.Estimate{}, err
	}
	return *queue, estimate, nil
}

// persist writes the entry, retrying when another booking took the token
// first. Same-day tokens come from the live counter, floored at the durable
// maximum; otherwise the store assigns the next token itself.
func (s *BookingService) persist(ctx context.Context, entry *models.QueueEntry, offeringIDs []string, sameDay bool) error {
	return retry.Do(
		func() error {
			entry.Token = 0
			if sameDay {
				floor, err := s.repo.MaxToken(ctx, entry.QueueID, entry.QueueDate)
				if err != nil {
					return err
				}
				token, err := s.live.NextToken(ctx, entry.QueueID, entry.QueueDate, floor)
				if err != nil {
					slog.Warn("Live token counter failed, using durable token", "error", err, "queue_id", entry.QueueID)
					token = 0
				}
				entry.Token = token
			}
			return s.repo.CreateEntry(ctx, entry, offeringIDs)
		},
		retry.Attempts(tokenAttempts),
		retry.Delay(10*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, status.ErrTokenTaken)
		}),
	)
}

func (s *BookingService) afterCommit(ctx context.Context, businessID string, entry *models.QueueEntry) {
	timeout := s.cfg.PostCommitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	outcome, err := s.live.Enqueue(ctx, entry.QueueID, entry.QueueDate, livestate.Member{
		UserID:       entry.UserID,
		Token:        entry.Token,
		TotalSeconds: entry.TurnTime * 60,
		CreatedAt:    entry.CreatedAt,
	})
	if err != nil {
		s.monitor.TrackRejection(StageCacheUpdated)
		slog.Warn("Failed to add booking to live queue", "error", err, "queue_id", entry.QueueID, "ticket_id", entry.ID)
	} else {
		slog.Debug("Live queue updated", "outcome", outcome.String(), "queue_id", entry.QueueID, "ticket_id", entry.ID)
	}

	if err := s.notifier.Notify(ctx, businessID, entry.QueueDate); err != nil {
		s.monitor.TrackRejection(StageBroadcast)
		slog.Warn("Failed to broadcast queue update", "error", err, "business_id", businessID, "date", entry.QueueDate)
	}
}

func (s *BookingService) existing(ctx context.Context, business *models.Business, queue models.Queue, entry *models.QueueEntry) (*models.BookingConfirmation, error) {
	estimate, err := s.estimator.EstimateExisting(ctx, queue, entry)
	if err != nil {
		return nil, s.reject(StageDuplicateChecked, err)
	}
	offerings, err := s.repo.EntryOfferings(ctx, entry.ID)
	if err != nil {
		return nil, s.reject(StageDuplicateChecked, err)
	}

	s.monitor.TrackBooking("existing")
	return &models.BookingConfirmation{
		TicketID:                 entry.ID,
		Token:                    entry.Token.String(),
		QueueID:                  queue.ID,
		QueueName:                queue.Name,
		BusinessID:               business.ID,
		BusinessName:             business.Name,
		Date:                     entry.QueueDate,
		Position:                 estimate.Position,
		EstimatedWaitMinutes:     estimate.EstimatedWaitMinutes,
		EstimatedWaitRange:       estimate.EstimatedWaitRange,
		EstimatedAppointmentTime: estimate.EstimatedAppointmentTime,
		Services:                 serviceLines(offerings, s.cfg.DefaultServiceMinutes),
		IsScheduled:              entry.IsScheduled,
		Status:                   models.BookingConfirmed,
		CreatedAt:                entry.CreatedAt,
	}, nil
}

func serviceLines(offerings []models.ServiceOffering, defaultMinutes int) []models.ServiceLine {
	lines := make([]models.ServiceLine, len(offerings))
	for i, o := range offerings {
		lines[i] = models.ServiceLine{
			ID:              o.ID,
			Name:            o.ServiceName,
			Price:           o.Fee,
			DurationMinutes: o.DurationMinutes(defaultMinutes),
		}
	}
	return lines
}
