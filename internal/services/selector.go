package services

import (
	"context"
	"sort"

	"web-eq/internal/status"
	"web-eq/models"
)

// Selector ranks the queues of a business that can serve a set of
// offerings.
type Selector struct {
	repo      QueueRepository
	estimator *Estimator
}

func NewSelector(repo QueueRepository, estimator *Estimator) *Selector {
	return &Selector{repo: repo, estimator: estimator}
}

// GetQueueOptions returns every eligible queue with its estimate, fastest
// first. The first option is marked recommended.
func (s *Selector) GetQueueOptions(ctx context.Context, businessID, date string, offeringIDs []string) ([]models.Estimate, error) {
	if _, ok := resolveDay(date, s.estimator.clock, s.estimator.loc); !ok {
		return nil, status.ErrInvalidDate
	}
	queues, err := s.repo.EligibleQueues(ctx, businessID, offeringIDs)
	if err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, nil
	}

	options, err := s.estimator.EstimateBatch(ctx, queues, date)
	if err != nil {
		return nil, err
	}
	rank(options)
	return options, nil
}

// FindOptimalQueue returns the recommended option, or
// status.ErrNoAvailableQueues when no queue is eligible.
func (s *Selector) FindOptimalQueue(ctx context.Context, businessID, date string, offeringIDs []string) (*models.Estimate, error) {
	options, err := s.GetQueueOptions(ctx, businessID, date, offeringIDs)
	if err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, status.ErrNoAvailableQueues
	}
	return &options[0], nil
}

func (s *Selector) BookingPreview(ctx context.Context, businessID, date string, offeringIDs []string) (*models.BookingPreview, error) {
	if _, err := s.repo.GetBusiness(ctx, businessID); err != nil {
		return nil, err
	}
	options, err := s.GetQueueOptions(ctx, businessID, date, offeringIDs)
	if err != nil {
		return nil, err
	}

	preview := &models.BookingPreview{
		BusinessID: businessID,
		Date:       date,
		Queues:     options,
	}
	if preview.Queues == nil {
		preview.Queues = []models.Estimate{}
	}
	if len(options) > 0 {
		preview.RecommendedQueueID = options[0].QueueID
	}
	return preview, nil
}

func rank(options []models.Estimate) {
	sort.SliceStable(options, func(i, j int) bool {
		if options[i].EstimatedWaitMinutes != options[j].EstimatedWaitMinutes {
			return options[i].EstimatedWaitMinutes < options[j].EstimatedWaitMinutes
		}
		return options[i].Position < options[j].Position
	})
	for i := range options {
		options[i].IsRecommended = i == 0
	}
}
