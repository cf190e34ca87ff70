package services

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"web-eq/models"
)

// LoadReader is the durable read surface used by the estimator. Every method
// is batched over queue ids.
type LoadReader interface {
	SameDayLoad(ctx context.Context, queueIDs []string, date string, defaultTurn int) (map[string]models.QueueLoad, error)
	ScheduledCounts(ctx context.Context, queueIDs []string, date string) (map[string]int, error)
	CompletedSamples(ctx context.Context, queueIDs, dates []string) ([]models.CompletionSample, error)
	AheadOf(ctx context.Context, entry *models.QueueEntry, defaultTurn int) (models.QueueLoad, error)
}

// QueueRepository is the durable queue store as seen by the services.
type QueueRepository interface {
	LoadReader

	GetBusiness(ctx context.Context, businessID string) (*models.Business, error)
	GetQueue(ctx context.Context, queueID string) (*models.Queue, error)
	ListQueuesByBusiness(ctx context.Context, businessID string) ([]models.Queue, error)
	ResolveOfferings(ctx context.Context, businessID string, offeringIDs []string) ([]models.ServiceOffering, error)
	EligibleQueues(ctx context.Context, businessID string, offeringIDs []string) ([]models.Queue, error)
	EntryOfferings(ctx context.Context, entryID string) ([]models.ServiceOffering, error)

	GetEntry(ctx context.Context, entryID string) (*models.QueueEntry, error)
	FindActiveEntry(ctx context.Context, userID, queueID, date string) (*models.QueueEntry, error)
	MaxToken(ctx context.Context, queueID, date string) (models.Token, error)
	CreateEntry(ctx context.Context, entry *models.QueueEntry, offeringIDs []string) error
	TransitionEntry(ctx context.Context, entryID string, from []models.EntryStatus, change models.StatusChange) (*models.QueueEntry, error)
	GetEntryDetail(ctx context.Context, entryID string) (*models.QueueUserDetail, error)
	ListEntries(ctx context.Context, filter models.EntryFilter) (*models.EntryPage, error)
	ListUserEntries(ctx context.Context, userID string, limit int) ([]models.QueueEntry, error)
}

// Notifier pushes a fresh business snapshot to live subscribers.
type Notifier interface {
	Notify(ctx context.Context, businessID, date string) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string) error { return nil }

// bookingDay is a parsed booking date relative to today in the business
// timezone.
type bookingDay struct {
	date    string
	day     time.Time
	sameDay bool
	past    bool
}

func resolveDay(date string, clk clock.PassiveClock, loc *time.Location) (bookingDay, bool) {
	day, err := time.ParseInLocation(models.DateLayout, date, loc)
	if err != nil {
		return bookingDay{}, false
	}
	today := todayIn(clk, loc)
	return bookingDay{
		date:    day.Format(models.DateLayout),
		day:     day,
		sameDay: day.Format(models.DateLayout) == today,
		past:    day.Format(models.DateLayout) < today,
	}, true
}

func todayIn(clk clock.PassiveClock, loc *time.Location) string {
	return clk.Now().In(loc).Format(models.DateLayout)
}
