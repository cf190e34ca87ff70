package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	clocktesting "k8s.io/utils/clock/testing"

	"web-eq/config"
	"web-eq/internal/livestate"
	"web-eq/internal/repository"
	"web-eq/internal/repository/repositorytest"
	"web-eq/models"
	"web-eq/monitoring"
)

const (
	today  = "2026-03-10"
	future = "2026-03-17"
)

var (
	testLoc = time.FixedZone("IST", 5*3600+1800)
	testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, testLoc)
)

func testConfig() *config.Config {
	return &config.Config{
		MaxQueueSize:          50,
		AvgWaitPerUserMinutes: 5,
		DefaultServiceMinutes: 5,
		DefaultPercentileWait: 15,
		WaitPercentile:        0.75,
		SameDayBufferRatio:    0.15,
		FutureBufferRatio:     0.20,
		HistoryWeeks:          4,
		DefaultStartTime:      "09:00",
		FillingFastRatio:      0.8,
		PercentileCacheTTL:    10 * time.Minute,
		PostCommitTimeout:     time.Second,
	}
}

type fixture struct {
	cfg       *config.Config
	repo      *repository.Repository
	live      livestate.Store
	clock     *clocktesting.FakePassiveClock
	estimator *Estimator
	selector  *Selector
	state     *StateAggregator
	booking   *BookingService
	ops       *QueueOpsService
	notifier  *recordingNotifier
}

func newFixture(t *testing.T, live livestate.Store) *fixture {
	t.Helper()
	return newFixtureWithLoads(t, live, nil)
}

// newFixtureWithLoads builds the services over a seeded store. wrap, when
// set, decorates the load reader used by the estimator.
func newFixtureWithLoads(t *testing.T, live livestate.Store, wrap func(LoadReader) LoadReader) *fixture {
	t.Helper()
	if live == nil {
		live = livestate.NewDegraded(5)
	}

	cfg := testConfig()
	repo := repositorytest.Open(t)
	seedDirectory(t, repo)

	clk := clocktesting.NewFakePassiveClock(testNow)
	monitor := monitoring.NewMonitor()

	var loads LoadReader = repo
	if wrap != nil {
		loads = wrap(repo)
	}
	estimator := NewEstimator(cfg, loads, testLoc, clk, monitor)
	selector := NewSelector(repo, estimator)
	notifier := &recordingNotifier{}

	booking := NewBookingService(cfg, repo, live, estimator, selector, testLoc, clk, monitor)
	booking.SetNotifier(notifier)
	ops := NewQueueOpsService(cfg, repo, live, estimator, testLoc, clk, monitor)
	ops.SetNotifier(notifier)

	return &fixture{
		cfg:       cfg,
		repo:      repo,
		live:      live,
		clock:     clk,
		estimator: estimator,
		selector:  selector,
		state:     NewStateAggregator(cfg, repo, live, estimator, testLoc, clk, monitor),
		booking:   booking,
		ops:       ops,
		notifier:  notifier,
	}
}

func seedDirectory(t *testing.T, repo *repository.Repository) {
	repositorytest.SeedBusiness(t, repo, "biz-1", "Sunrise Clinic")
	repositorytest.SeedBusiness(t, repo, "biz-2", "Corner Salon")
	repositorytest.SeedService(t, repo, "svc-consult", "Consultation")
	repositorytest.SeedService(t, repo, "svc-xray", "X-Ray")
	repositorytest.SeedService(t, repo, "svc-cut", "Haircut")

	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-a", BusinessID: "biz-1", Name: "Counter A", StartTime: "09:00"})
	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-b", BusinessID: "biz-1", Name: "Counter B", Limit: 5})
	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-c", BusinessID: "biz-1", Name: "Counter C", StartTime: "11:30"})
	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-stop", BusinessID: "biz-1", Name: "Closed", Status: models.QueueStopped})
	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-z", BusinessID: "biz-2", Name: "Chair"})

	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-a", ServiceID: "svc-consult", BusinessID: "biz-1", QueueID: "q-a", Fee: decimal.RequireFromString("150.00"), AvgServiceMinutes: 20})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-b", ServiceID: "svc-consult", BusinessID: "biz-1", QueueID: "q-b", Fee: decimal.NewFromInt(120)})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-c", ServiceID: "svc-consult", BusinessID: "biz-1", QueueID: "q-c", Fee: decimal.NewFromInt(100)})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-stop", ServiceID: "svc-consult", BusinessID: "biz-1", QueueID: "q-stop", Fee: decimal.NewFromInt(90)})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-x", ServiceID: "svc-xray", BusinessID: "biz-1", QueueID: "q-b", Fee: decimal.NewFromInt(400), AvgServiceMinutes: 15})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-z", ServiceID: "svc-cut", BusinessID: "biz-2", QueueID: "q-z", Fee: decimal.NewFromInt(30)})
}

func seedActive(t *testing.T, repo *repository.Repository, queueID, date string, status models.EntryStatus, turn int) models.QueueEntry {
	t.Helper()
	return repositorytest.SeedEntry(t, repo, models.QueueEntry{QueueID: queueID, QueueDate: date, Status: status, TurnTime: turn})
}

func newMiniredisStore(t *testing.T) (*miniredis.Miniredis, livestate.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := livestate.New(client, livestate.Options{TTL: time.Hour})
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

type recordingNotifier struct {
	mu      sync.Mutex
	calls   []string
	ctxErrs []error
	err     error
}

func (n *recordingNotifier) Notify(ctx context.Context, businessID, date string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, businessID+"|"+date)
	n.ctxErrs = append(n.ctxErrs, ctx.Err())
	return n.err
}

func (n *recordingNotifier) ContextErrors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.ctxErrs...)
}

func (n *recordingNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// countingLoads counts round trips to the durable store.
type countingLoads struct {
	LoadReader
	sameDay   atomic.Int32
	scheduled atomic.Int32
	samples   atomic.Int32
}

func (c *countingLoads) SameDayLoad(ctx context.Context, queueIDs []string, date string, defaultTurn int) (map[string]models.QueueLoad, error) {
	c.sameDay.Add(1)
	return c.LoadReader.SameDayLoad(ctx, queueIDs, date, defaultTurn)
}

func (c *countingLoads) ScheduledCounts(ctx context.Context, queueIDs []string, date string) (map[string]int, error) {
	c.scheduled.Add(1)
	return c.LoadReader.ScheduledCounts(ctx, queueIDs, date)
}

func (c *countingLoads) CompletedSamples(ctx context.Context, queueIDs, dates []string) ([]models.CompletionSample, error) {
	c.samples.Add(1)
	return c.LoadReader.CompletedSamples(ctx, queueIDs, dates)
}

// scriptedTokens hands out tokens from a fixed list, ignoring the floor.
type scriptedTokens struct {
	livestate.Store
	mu     sync.Mutex
	tokens []models.Token
}

func (s *scriptedTokens) NextToken(context.Context, string, string, models.Token) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return 0, errors.New("no scripted tokens left")
	}
	token := s.tokens[0]
	s.tokens = s.tokens[1:]
	return token, nil
}
