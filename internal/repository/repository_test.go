package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web-eq/internal/repository"
	"web-eq/internal/repository/repositorytest"
	"web-eq/internal/status"
	"web-eq/models"
)

const day = "2026-10-15"

func seedDirectory(t *testing.T, repo *repository.Repository) {
	repositorytest.SeedBusiness(t, repo, "biz-1", "Sunrise Clinic")
	repositorytest.SeedBusiness(t, repo, "biz-2", "Other Salon")
	repositorytest.SeedService(t, repo, "svc-consult", "Consultation")
	repositorytest.SeedService(t, repo, "svc-xray", "X-Ray")
	repositorytest.SeedService(t, repo, "svc-cut", "Haircut")

	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-a", BusinessID: "biz-1", Name: "Counter A", Limit: 10, StartTime: "10:00"})
	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-b", BusinessID: "biz-1", Name: "Counter B", EmployeeID: "emp-7"})
	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-c", BusinessID: "biz-1", Name: "Closed", Status: models.QueueStopped})
	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-z", BusinessID: "biz-2", Name: "Chair"})

	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-a-consult", ServiceID: "svc-consult", BusinessID: "biz-1", QueueID: "q-a", Fee: decimal.RequireFromString("150.50"), AvgServiceMinutes: 20})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-b-consult", ServiceID: "svc-consult", BusinessID: "biz-1", QueueID: "q-b", Fee: decimal.NewFromInt(120)})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-c-consult", ServiceID: "svc-consult", BusinessID: "biz-1", QueueID: "q-c", Fee: decimal.NewFromInt(100)})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-b-xray", ServiceID: "svc-xray", BusinessID: "biz-1", QueueID: "q-b", Fee: decimal.NewFromInt(400), AvgServiceMinutes: 15})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-z-cut", ServiceID: "svc-cut", BusinessID: "biz-2", QueueID: "q-z", Fee: decimal.NewFromInt(30)})
}

func TestRepository_GetBusinessAndQueue(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)
	ctx := context.Background()

	business, err := repo.GetBusiness(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, "Sunrise Clinic", business.Name)

	_, err = repo.GetBusiness(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrBusinessNotFound)

	queue, err := repo.GetQueue(ctx, "q-a")
	require.NoError(t, err)
	assert.Equal(t, "Counter A", queue.Name)
	assert.Equal(t, 10, queue.Limit)
	assert.Equal(t, "10:00", queue.StartTime)
	assert.Equal(t, models.QueueRunning, queue.Status)

	_, err = repo.GetQueue(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrQueueNotFound)

	queues, err := repo.ListQueuesByBusiness(ctx, "biz-1")
	require.NoError(t, err)
	require.Len(t, queues, 3)
	assert.Equal(t, []string{"q-a", "q-b", "q-c"}, []string{queues[0].ID, queues[1].ID, queues[2].ID})
}

func TestRepository_ResolveOfferings(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)

	offerings, err := repo.ResolveOfferings(context.Background(), "biz-1", []string{"off-a-consult", "off-z-cut", "nope"})
	require.NoError(t, err)
	require.Len(t, offerings, 1)

	o := offerings[0]
	assert.Equal(t, "off-a-consult", o.ID)
	assert.Equal(t, "Consultation", o.ServiceName)
	assert.Equal(t, "q-a", o.QueueID)
	assert.Equal(t, 20, o.AvgServiceMinutes)
	assert.True(t, decimal.RequireFromString("150.5").Equal(o.Fee), o.Fee.String())

	none, err := repo.ResolveOfferings(context.Background(), "biz-1", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepository_EligibleQueues(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)
	ctx := context.Background()

	tests := []struct {
		name      string
		offerings []string
		expected  []string
	}{
		{"shared service across queues, stopped excluded", []string{"off-a-consult"}, []string{"q-a", "q-b"}},
		{"service only on one queue", []string{"off-b-xray"}, []string{"q-b"}},
		{"other business offering ignored", []string{"off-z-cut"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queues, err := repo.EligibleQueues(ctx, "biz-1", tt.offerings)
			require.NoError(t, err)

			var ids []string
			for _, q := range queues {
				ids = append(ids, q.ID)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}

	t.Run("business wide offering makes every open queue eligible", func(t *testing.T) {
		repositorytest.SeedService(t, repo, "svc-wide", "Walk-in")
		repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-wide", ServiceID: "svc-wide", BusinessID: "biz-1"})

		queues, err := repo.EligibleQueues(ctx, "biz-1", []string{"off-wide"})
		require.NoError(t, err)
		require.Len(t, queues, 2)
	})
}

func TestRepository_CreateEntryAssignsTokens(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)
	ctx := context.Background()

	first := repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, UserID: "u1", TurnTime: 20}, "off-a-consult")
	second := repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, UserID: "u2", TurnTime: 20})
	otherDay := repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: "2026-10-16", UserID: "u1", TurnTime: 20})

	assert.Equal(t, models.Token(1), first.Token)
	assert.Equal(t, models.Token(2), second.Token)
	assert.Equal(t, models.Token(1), otherDay.Token)
	assert.NotEmpty(t, first.ID)

	max, err := repo.MaxToken(ctx, "q-a", day)
	require.NoError(t, err)
	assert.Equal(t, models.Token(2), max)

	offerings, err := repo.EntryOfferings(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, offerings, 1)
	assert.Equal(t, "off-a-consult", offerings[0].ID)

	stored, err := repo.GetEntry(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "T001", stored.Token.String())
	assert.Equal(t, models.EntryRegistered, stored.Status)
	assert.Nil(t, stored.EnqueueTime)
}

func TestRepository_CreateEntryConflicts(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)
	ctx := context.Background()

	existing := repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, UserID: "u1"})

	dup := &models.QueueEntry{QueueID: "q-a", QueueDate: day, UserID: "u1", Status: models.EntryRegistered}
	err := repo.CreateEntry(ctx, dup, nil)
	assert.ErrorIs(t, err, status.ErrDuplicateActiveEntry)

	taken := &models.QueueEntry{QueueID: "q-a", QueueDate: day, UserID: "u9", Status: models.EntryRegistered, Token: existing.Token}
	err = repo.CreateEntry(ctx, taken, nil)
	assert.ErrorIs(t, err, status.ErrTokenTaken)

	found, err := repo.FindActiveEntry(ctx, "u1", "q-a", day)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, found.ID)

	now := time.Now()
	_, err = repo.TransitionEntry(ctx, existing.ID, []models.EntryStatus{models.EntryRegistered}, models.StatusChange{To: models.EntryCancelled, DequeueTime: &now, CancellationReason: "changed plans"})
	require.NoError(t, err)

	_, err = repo.FindActiveEntry(ctx, "u1", "q-a", day)
	assert.ErrorIs(t, err, status.ErrTicketNotFound)

	again := repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, UserID: "u1"})
	assert.Equal(t, models.Token(2), again.Token)
}

func TestRepository_ConcurrentCreateEntryDistinctTokens(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)

	const workers = 12
	tokens := make(chan models.Token, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry := &models.QueueEntry{QueueID: "q-b", QueueDate: day, UserID: string(rune('a' + i)), Status: models.EntryRegistered}
			if err := repo.CreateEntry(context.Background(), entry, nil); err == nil {
				tokens <- entry.Token
			}
		}(i)
	}
	wg.Wait()
	close(tokens)

	seen := map[models.Token]bool{}
	for token := range tokens {
		assert.False(t, seen[token], "token %s issued twice", token)
		seen[token] = true
	}
	assert.Len(t, seen, workers)
}

func TestRepository_SameDayLoadAndScheduledCounts(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)
	ctx := context.Background()

	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, TurnTime: 20})
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, TurnTime: -4})
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, TurnTime: 10, Status: models.EntryInProgress})
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, TurnTime: 30, Status: models.EntryCancelled})
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-b", QueueDate: day, TurnTime: 7})

	load, err := repo.SameDayLoad(ctx, []string{"q-a", "q-b", "q-c"}, day, 5)
	require.NoError(t, err)

	assert.Equal(t, models.QueueLoad{Registered: 2, InProgress: 1, TotalTurnMinutes: 35}, load["q-a"])
	assert.Equal(t, models.QueueLoad{Registered: 1, TotalTurnMinutes: 7}, load["q-b"])
	assert.NotContains(t, load, "q-c")

	counts, err := repo.ScheduledCounts(ctx, []string{"q-a", "q-b", "q-c"}, day)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"q-a": 3, "q-b": 1}, counts)
}

func TestRepository_CompletedSamples(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)

	repositorytest.SeedCompleted(t, repo, "q-a", "2026-10-08", 12)
	repositorytest.SeedCompleted(t, repo, "q-a", "2026-10-01", 20)
	repositorytest.SeedCompleted(t, repo, "q-b", "2026-10-08", 90)
	repositorytest.SeedCompleted(t, repo, "q-a", "2026-10-09", 50)
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: "2026-10-08"})

	samples, err := repo.CompletedSamples(context.Background(), []string{"q-a"}, []string{"2026-10-08", "2026-10-01"})
	require.NoError(t, err)
	require.Len(t, samples, 2)

	var minutes []float64
	for _, s := range samples {
		assert.Equal(t, "q-a", s.QueueID)
		minutes = append(minutes, s.WaitMinutes())
	}
	assert.ElementsMatch(t, []float64{12, 20}, minutes)
}

func TestRepository_AheadOf(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)

	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, TurnTime: 10, Status: models.EntryInProgress})
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, TurnTime: 15})
	mine := repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, TurnTime: 20})
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, TurnTime: 25})

	ahead, err := repo.AheadOf(context.Background(), &mine, 5)
	require.NoError(t, err)
	assert.Equal(t, models.QueueLoad{Registered: 1, InProgress: 1, TotalTurnMinutes: 25}, ahead)
}

func TestRepository_TransitionEntry(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)
	ctx := context.Background()

	entry := repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day})
	started := time.Date(2026, 10, 15, 4, 30, 0, 0, time.UTC)

	updated, err := repo.TransitionEntry(ctx, entry.ID, []models.EntryStatus{models.EntryRegistered}, models.StatusChange{To: models.EntryInProgress, EnqueueTime: &started})
	require.NoError(t, err)
	assert.Equal(t, models.EntryInProgress, updated.Status)
	require.NotNil(t, updated.EnqueueTime)
	assert.WithinDuration(t, started, *updated.EnqueueTime, time.Millisecond)

	_, err = repo.TransitionEntry(ctx, entry.ID, []models.EntryStatus{models.EntryRegistered}, models.StatusChange{To: models.EntryCancelled})
	assert.ErrorIs(t, err, status.ErrInvalidTransition)

	_, err = repo.TransitionEntry(ctx, "missing", []models.EntryStatus{models.EntryRegistered}, models.StatusChange{To: models.EntryCancelled})
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func TestRepository_DetailAndListing(t *testing.T) {
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)
	ctx := context.Background()

	repositorytest.SeedUser(t, repo, "u-ana", "Ana Perez", "ana@example.com", "+15550001")
	repositorytest.SeedUser(t, repo, "u-raj", "Raj Mehta", "raj@example.com", "+15550002")

	ana := repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-b", QueueDate: day, UserID: "u-ana", Notes: "first visit"}, "off-b-consult", "off-b-xray")
	time.Sleep(2 * time.Millisecond)
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-b", QueueDate: day, UserID: "u-raj"})
	time.Sleep(2 * time.Millisecond)
	repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: "q-a", QueueDate: day, UserID: "u-raj"})

	detail, err := repo.GetEntryDetail(ctx, ana.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Perez", detail.FullName)
	assert.Equal(t, "Counter B", detail.QueueName)
	assert.Equal(t, "emp-7", detail.EmployeeID)
	assert.Equal(t, "biz-1", detail.BusinessID)
	assert.Equal(t, []string{"Consultation", "X-Ray"}, detail.Services)
	assert.Equal(t, "first visit", detail.Notes)

	_, err = repo.GetEntryDetail(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)

	page, err := repo.ListEntries(ctx, models.EntryFilter{BusinessID: "biz-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "q-a", page.Items[0].QueueID)

	page, err = repo.ListEntries(ctx, models.EntryFilter{EmployeeID: "emp-7", Search: "ANA"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, ana.ID, page.Items[0].ID)

	page, err = repo.ListEntries(ctx, models.EntryFilter{BusinessID: "biz-1", Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 1)

	mine, err := repo.ListUserEntries(ctx, "u-raj", 50)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	active, err := repo.ActiveEntriesForDay(ctx, "q-b", day)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, ana.ID, active[0].ID)

	queues, err := repo.QueuesWithActiveEntries(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"q-a", "q-b"}, queues)
}
