package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"web-eq/config"
	"web-eq/internal/livestate"
	"web-eq/internal/realtime"
	"web-eq/internal/repository"
	"web-eq/internal/repository/repositorytest"
	"web-eq/internal/services"
	"web-eq/internal/status"
	"web-eq/models"
)

const (
	today  = "2026-03-10"
	future = "2026-03-17"
)

var testLoc = time.FixedZone("IST", 5*3600+1800)

type testServer struct {
	repo    *repository.Repository
	queue   *QueueHandler
	tickets *TicketHandler
	live    *LiveHandler
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
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
		PercentileCacheTTL:    time.Minute,
		PostCommitTimeout:     time.Second,
	}

	repo := repositorytest.Open(t)
	repositorytest.SeedBusiness(t, repo, "biz-1", "Sunrise Clinic")
	repositorytest.SeedService(t, repo, "svc-consult", "Consultation")
	repositorytest.SeedUser(t, repo, "user-1", "Asha Rao", "asha@example.com", "+911234567890")
	repositorytest.SeedQueue(t, repo, models.Queue{ID: "q-a", BusinessID: "biz-1", Name: "Counter A", StartTime: "09:00"})
	repositorytest.SeedOffering(t, repo, models.ServiceOffering{ID: "off-a", ServiceID: "svc-consult", BusinessID: "biz-1", QueueID: "q-a", Fee: decimal.NewFromInt(150), AvgServiceMinutes: 10})

	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 3, 10, 10, 0, 0, 0, testLoc))
	live := livestate.NewDegraded(5)

	estimator := services.NewEstimator(cfg, repo, testLoc, clk, nil)
	selector := services.NewSelector(repo, estimator)
	state := services.NewStateAggregator(cfg, repo, live, estimator, testLoc, clk, nil)
	booking := services.NewBookingService(cfg, repo, live, estimator, selector, testLoc, clk, nil)
	ops := services.NewQueueOpsService(cfg, repo, live, estimator, testLoc, clk, nil)
	hub := realtime.NewHub(state.AggregateBusinessState, realtime.HubOptions{Location: testLoc})

	return &testServer{
		repo:    repo,
		queue:   NewQueueHandler(booking, selector, state, ops),
		tickets: NewTicketHandler(ops),
		live:    NewLiveHandler(state, hub, live, repo),
	}
}

func newEvent(method, target, body, userID string) (*core.RequestEvent, *httptest.ResponseRecorder) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	e := &core.RequestEvent{Event: router.Event{Response: rec, Request: req}}
	if userID != "" {
		e.Auth = core.NewRecord(core.NewAuthCollection("users"))
		e.Auth.Id = userID
	}
	return e, rec
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *router.ApiError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	return apiErr.Status
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) book(t *testing.T, userID string) models.BookingConfirmation {
	t.Helper()
	return s.bookOn(t, userID, today)
}

func (s *testServer) bookOn(t *testing.T, userID, date string) models.BookingConfirmation {
	t.Helper()
	body := fmt.Sprintf(`{"business_id":"biz-1","queue_date":%q,"service_ids":["off-a"]}`, date)
	e, rec := newEvent(http.MethodPost, "/api/v1/queue/book", body, userID)
	require.NoError(t, s.queue.Book(e))
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[models.BookingConfirmation](t, rec)
}

func TestApiError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("load: %w", status.ErrBusinessNotFound), http.StatusNotFound},
		{"invalid input", status.ErrDateInPast, http.StatusBadRequest},
		{"transition", status.ErrInvalidTransition, http.StatusBadRequest},
		{"persistence", fmt.Errorf("%w: create entry: disk full", status.ErrPersistence), http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apiStatus(t, apiError(tt.err)))
		})
	}

	var apiErr *router.ApiError
	require.True(t, errors.As(apiError(errors.New("secret dsn leaked")), &apiErr))
	assert.NotContains(t, apiErr.Message, "secret")
}

func TestQueueHandler_Book(t *testing.T) {
	s := setupTestServer(t)

	t.Run("requires auth", func(t *testing.T) {
		e, _ := newEvent(http.MethodPost, "/api/v1/queue/book", `{"business_id":"biz-1"}`, "")
		assert.Equal(t, http.StatusUnauthorized, apiStatus(t, s.queue.Book(e)))
	})

	t.Run("confirms a ticket", func(t *testing.T) {
		confirmation := s.book(t, "user-1")
		assert.Equal(t, "T001", confirmation.Token)
		assert.Equal(t, models.BookingConfirmed, confirmation.Status)
		assert.Equal(t, "q-a", confirmation.QueueID)
		assert.Equal(t, 1, confirmation.Position)
		require.Len(t, confirmation.Services, 1)
		assert.Equal(t, "Consultation", confirmation.Services[0].Name)
	})

	t.Run("same user gets the same ticket", func(t *testing.T) {
		first := s.book(t, "user-2")
		again := s.book(t, "user-2")
		assert.Equal(t, first.TicketID, again.TicketID)
	})

	for _, tt := range []struct {
		name string
		body string
		want int
	}{
		{"missing business", `{"queue_date":"2026-03-10","service_ids":["off-a"]}`, http.StatusBadRequest},
		{"malformed body", `{"business_id":`, http.StatusBadRequest},
		{"bad date", `{"business_id":"biz-1","queue_date":"10/03/2026","service_ids":["off-a"]}`, http.StatusBadRequest},
		{"past date", `{"business_id":"biz-1","queue_date":"2026-03-09","service_ids":["off-a"]}`, http.StatusBadRequest},
		{"unknown business", `{"business_id":"nope","queue_date":"2026-03-10","service_ids":["off-a"]}`, http.StatusNotFound},
		{"no valid services", `{"business_id":"biz-1","queue_date":"2026-03-10","service_ids":["off-x"]}`, http.StatusBadRequest},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEvent(http.MethodPost, "/api/v1/queue/book", tt.body, "user-3")
			assert.Equal(t, tt.want, apiStatus(t, s.queue.Book(e)))
		})
	}
}

func TestQueueHandler_BookingPreview(t *testing.T) {
	s := setupTestServer(t)

	e, rec := newEvent(http.MethodPost, "/api/v1/queue/booking-preview",
		`{"business_id":"biz-1","queue_date":"2026-03-17","service_ids":["off-a"]}`, "")
	require.NoError(t, s.queue.BookingPreview(e))

	preview := decode[models.BookingPreview](t, rec)
	assert.Equal(t, "q-a", preview.RecommendedQueueID)
	require.Len(t, preview.Queues, 1)
	assert.True(t, preview.Queues[0].IsRecommended)
	assert.Equal(t, "09:15", preview.Queues[0].EstimatedAppointmentTime)
}

func TestQueueHandler_AvailableSlots(t *testing.T) {
	s := setupTestServer(t)
	s.bookOn(t, "user-1", future)

	e, _ := newEvent(http.MethodGet, "/api/v1/queue/available_slots/biz-1", "", "")
	e.Request.SetPathValue("businessId", "biz-1")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, s.queue.AvailableSlots(e)))

	e, rec := newEvent(http.MethodGet, "/api/v1/queue/available_slots/biz-1?booking_date=2026-03-17&service_ids=off-a,", "", "")
	e.Request.SetPathValue("businessId", "biz-1")
	require.NoError(t, s.queue.AvailableSlots(e))

	body := decode[struct {
		Slots []models.AvailabilitySlot `json:"slots"`
	}](t, rec)
	require.Len(t, body.Slots, 1)
	assert.Equal(t, 1, body.Slots[0].CurrentPosition)
	assert.Equal(t, models.SlotAvailable, body.Slots[0].Status)
}

func TestQueueHandler_MyBookings(t *testing.T) {
	s := setupTestServer(t)

	e, _ := newEvent(http.MethodGet, "/api/v1/queue/my_bookings", "", "")
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, s.queue.MyBookings(e)))

	e, rec := newEvent(http.MethodGet, "/api/v1/queue/my_bookings", "", "user-9")
	require.NoError(t, s.queue.MyBookings(e))
	assert.JSONEq(t, `{"items":[],"total":0}`, rec.Body.String())

	booked := s.book(t, "user-9")
	e, rec = newEvent(http.MethodGet, "/api/v1/queue/my_bookings", "", "user-9")
	require.NoError(t, s.queue.MyBookings(e))

	body := decode[struct {
		Items []models.QueueEntry `json:"items"`
		Total int                 `json:"total"`
	}](t, rec)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, booked.TicketID, body.Items[0].ID)
}

func TestTicketHandler_PositionAndActions(t *testing.T) {
	s := setupTestServer(t)
	first := s.book(t, "user-1")
	second := s.book(t, "user-2")

	position := func(ticketID string) models.TicketPosition {
		e, rec := newEvent(http.MethodGet, "/api/v1/queue/tickets/"+ticketID+"/position", "", "")
		e.Request.SetPathValue("ticketId", ticketID)
		require.NoError(t, s.tickets.Position(e))
		return decode[models.TicketPosition](t, rec)
	}
	action := func(ticketID, name, body, userID string) (*httptest.ResponseRecorder, error) {
		e, rec := newEvent(http.MethodPost, "/api/v1/queue/tickets/"+ticketID+"/"+name, body, userID)
		e.Request.SetPathValue("ticketId", ticketID)
		e.Request.SetPathValue("action", name)
		return rec, s.tickets.Action(e)
	}

	pos := position(second.TicketID)
	assert.Equal(t, 2, pos.Position)
	assert.Equal(t, "durable", pos.Source)

	_, err := action(first.TicketID, "start", "", "")
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, err))

	rec, err := action(first.TicketID, "start", "", "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntryInProgress, decode[models.QueueEntry](t, rec).Status)

	_, err = action(first.TicketID, "cancel", `{"reason":"late"}`, "staff-1")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = action(first.TicketID, "teleport", "", "staff-1")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	rec, err = action(second.TicketID, "cancel", `{"reason":"late"}`, "staff-1")
	require.NoError(t, err)
	cancelled := decode[models.QueueEntry](t, rec)
	assert.Equal(t, models.EntryCancelled, cancelled.Status)
	assert.Equal(t, "late", cancelled.CancellationReason)

	_, err = action("missing", "start", "", "staff-1")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))

	e, _ := newEvent(http.MethodGet, "/api/v1/queue/tickets/missing/position", "", "")
	e.Request.SetPathValue("ticketId", "missing")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, s.tickets.Position(e)))
}

func TestTicketHandler_ListAndDetail(t *testing.T) {
	s := setupTestServer(t)
	booked := s.book(t, "user-1")
	s.book(t, "user-2")

	e, rec := newEvent(http.MethodGet, "/api/v1/queue/users?business_id=biz-1&page=1&limit=1", "", "")
	require.NoError(t, s.tickets.ListUsers(e))
	page := decode[models.EntryPage](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Limit)

	e, rec = newEvent(http.MethodGet, "/api/v1/queue/users?business_id=other", "", "")
	require.NoError(t, s.tickets.ListUsers(e))
	assert.Contains(t, rec.Body.String(), `"items":[]`)

	e, rec = newEvent(http.MethodGet, "/api/v1/queue/users/"+booked.TicketID, "", "")
	e.Request.SetPathValue("ticketId", booked.TicketID)
	require.NoError(t, s.tickets.UserDetail(e))
	detail := decode[models.QueueUserDetail](t, rec)
	assert.Equal(t, "Asha Rao", detail.FullName)
	assert.Equal(t, "Counter A", detail.QueueName)
	assert.Equal(t, []string{"Consultation"}, detail.Services)
}

func TestLiveHandler_State(t *testing.T) {
	s := setupTestServer(t)
	s.book(t, "user-1")

	e, rec := newEvent(http.MethodGet, "/api/v1/queue/state/biz-1/"+today, "", "")
	e.Request.SetPathValue("businessId", "biz-1")
	e.Request.SetPathValue("date", today)
	require.NoError(t, s.live.State(e))

	state := decode[models.BusinessState](t, rec)
	assert.Equal(t, "biz-1", state.BusinessID)
	require.Len(t, state.Queues, 1)

	e, _ = newEvent(http.MethodGet, "/api/v1/queue/state/biz-1/bad", "", "")
	e.Request.SetPathValue("businessId", "biz-1")
	e.Request.SetPathValue("date", "bad")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, s.live.State(e)))
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestLiveHandler_Health(t *testing.T) {
	s := setupTestServer(t)

	e, rec := newEvent(http.MethodGet, "/health", "", "")
	require.NoError(t, s.live.Health(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","database":"up","live_state":"degraded"}`, rec.Body.String())

	down := NewLiveHandler(nil, nil, livestate.NewDegraded(5), failingPinger{})
	e, rec = newEvent(http.MethodGet, "/health", "", "")
	require.NoError(t, down.Health(e))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
