package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"web-eq/config"
	"web-eq/internal/livestate"
	"web-eq/internal/status"
	"web-eq/models"
	"web-eq/monitoring"
)

const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionFail     = "fail"
	ActionCancel   = "cancel"
	ActionPriority = "priority"
)

const myBookingsLimit = 50

type transition struct {
	from []models.EntryStatus
	to   models.EntryStatus
}

var transitions = map[string]transition{
	ActionStart: {
		from: []models.EntryStatus{models.EntryRegistered, models.EntryPriorityRequested},
		to:   models.EntryInProgress,
	},
	ActionComplete: {
		from: []models.EntryStatus{models.EntryInProgress},
		to:   models.EntryCompleted,
	},
	ActionFail: {
		from: []models.EntryStatus{models.EntryInProgress},
		to:   models.EntryFailed,
	},
	ActionCancel: {
		from: []models.EntryStatus{models.EntryRegistered, models.EntryPriorityRequested},
		to:   models.EntryCancelled,
	},
	ActionPriority: {
		from: []models.EntryStatus{models.EntryRegistered},
		to:   models.EntryPriorityRequested,
	},
}

// QueueOpsService serves staff and customer operations on existing tickets.
type QueueOpsService struct {
	cfg       *config.Config
	repo      QueueRepository
	live      livestate.Store
	estimator *Estimator
	notifier  Notifier
	loc       *time.Location
	clock     clock.PassiveClock
	monitor   *monitoring.Monitor
}

func NewQueueOpsService(cfg *config.Config, repo QueueRepository, live livestate.Store, estimator *Estimator, loc *time.Location, clk clock.PassiveClock, monitor *monitoring.Monitor) *QueueOpsService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &QueueOpsService{
		cfg:       cfg,
		repo:      repo,
		live:      live,
		estimator: estimator,
		notifier:  noopNotifier{},
		loc:       loc,
		clock:     clk,
		monitor:   monitor,
	}
}

func (s *QueueOpsService) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifier = n
}

// Transition moves a ticket to the status the action leads to and mirrors
// the change in the live queue.
func (s *QueueOpsService) Transition(ctx context.Context, ticketID, action, reason string) (*models.QueueEntry, error) {
	t, ok := transitions[action]
	if !ok {
		return nil, status.ErrUnknownAction
	}

	now := s.clock.Now().UTC()
	change := models.StatusChange{To: t.to}
	switch action {
	case ActionStart:
		change.EnqueueTime = &now
	case ActionComplete, ActionFail:
		change.DequeueTime = &now
	case ActionCancel:
		change.CancellationReason = reason
	case ActionPriority:
		priority := true
		change.Priority = &priority
	}

	entry, err := s.repo.TransitionEntry(ctx, ticketID, t.from, change)
	if err != nil {
		s.monitor.TrackQueueOperation(action, "rejected")
		return nil, err
	}
	s.monitor.TrackQueueOperation(action, "ok")

	if entry.QueueDate != todayIn(s.clock, s.loc) {
		return entry, nil
	}

	var liveErr error
	switch action {
	case ActionStart:
		liveErr = s.live.StartService(ctx, entry.QueueID, entry.QueueDate, entry.UserID)
	case ActionComplete, ActionFail, ActionCancel:
		liveErr = s.live.Finish(ctx, entry.QueueID, entry.QueueDate, entry.UserID, entry.Status)
	}
	if liveErr != nil {
		slog.Warn("Failed to mirror ticket status in live queue", "error", liveErr, "ticket_id", ticketID, "action", action)
	}

	if err := s.notify(ctx, entry); err != nil {
		slog.Warn("Failed to broadcast queue update", "error", err, "ticket_id", ticketID)
	}
	return entry, nil
}

func (s *QueueOpsService) notify(ctx context.Context, entry *models.QueueEntry) error {
	queue, err := s.repo.GetQueue(ctx, entry.QueueID)
	if err != nil {
		return err
	}
	return s.notifier.Notify(ctx, queue.BusinessID, entry.QueueDate)
}

// Position reports where an active ticket stands. Same-day tickets are
// looked up in the live queue first; the durable store answers otherwise.
func (s *QueueOpsService) Position(ctx context.Context, ticketID string) (*models.TicketPosition, error) {
	entry, err := s.repo.GetEntry(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	pos := &models.TicketPosition{
		TicketID: entry.ID,
		QueueID:  entry.QueueID,
		Token:    entry.Token.String(),
		Status:   entry.Status,
	}
	if !entry.Status.Active() {
		pos.Source = "durable"
		return pos, nil
	}

	if entry.QueueDate == todayIn(s.clock, s.loc) {
		rank, err := s.live.PositionOf(ctx, entry.QueueID, entry.QueueDate, entry.UserID)
		if err == nil {
			wait, err := s.live.EstimateWaitForRank(ctx, entry.QueueID, entry.QueueDate, rank)
			if err == nil {
				pos.Position = rank
				pos.EstimatedWaitMinutes = wait
				pos.Source = "live"
				return pos, nil
			}
		}
		if err != nil && !errors.Is(err, status.ErrNotInQueue) {
			slog.Warn("Live position unavailable", "error", err, "ticket_id", ticketID)
		}
	}

	queue, err := s.repo.GetQueue(ctx, entry.QueueID)
	if err != nil {
		return nil, err
	}
	estimate, err := s.estimator.EstimateExisting(ctx, *queue, entry)
	if err != nil {
		return nil, err
	}
	pos.Position = estimate.Position
	pos.EstimatedWaitMinutes = estimate.EstimatedWaitMinutes
	pos.Source = "durable"
	return pos, nil
}

func (s *QueueOpsService) Detail(ctx context.Context, ticketID string) (*models.QueueUserDetail, error) {
	return s.repo.GetEntryDetail(ctx, ticketID)
}

func (s *QueueOpsService) List(ctx context.Context, filter models.EntryFilter) (*models.EntryPage, error) {
	filter.Normalize()
	return s.repo.ListEntries(ctx, filter)
}

// MyBookings returns the newest tickets of a user.
func (s *QueueOpsService) MyBookings(ctx context.Context, userID string) ([]models.QueueEntry, error) {
	return s.repo.ListUserEntries(ctx, userID, myBookingsLimit)
}
