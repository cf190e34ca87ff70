package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"web-eq/internal/livestate"
	"web-eq/internal/realtime"
	"web-eq/internal/services"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type LiveHandler struct {
	state *services.StateAggregator
	hub   *realtime.Hub
	live  livestate.Store
	db    Pinger
}

func NewLiveHandler(state *services.StateAggregator, hub *realtime.Hub, live livestate.Store, db Pinger) *LiveHandler {
	return &LiveHandler{
		state: state,
		hub:   hub,
		live:  live,
		db:    db,
	}
}

// State - aggregate queue snapshot of a business and day for polling clients
func (h *LiveHandler) State(e *core.RequestEvent) error {
	state, err := h.state.AggregateBusinessState(e.Request.Context(), e.Request.PathValue("businessId"), e.Request.PathValue("date"))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, state)
}

// Subscribe - websocket stream of queue snapshots for a business and day
func (h *LiveHandler) Subscribe(e *core.RequestEvent) error {
	businessID := e.Request.PathValue("businessId")
	date := e.Request.PathValue("date")

	// The upgrader has already answered the request when it fails.
	if err := h.hub.Serve(e.Response, e.Request, businessID, date); err != nil {
		slog.Warn("Websocket upgrade failed", "error", err, "business_id", businessID)
	}
	return nil
}

func (h *LiveHandler) Health(e *core.RequestEvent) error {
	ctx, cancel := context.WithTimeout(e.Request.Context(), healthTimeout)
	defer cancel()

	liveState := h.live.Mode()
	if err := h.live.Ping(ctx); err != nil {
		slog.Warn("Live state ping failed", "error", err)
		liveState = livestate.ModeDegraded
	}

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Queue store ping failed", "error", err)
		return e.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":     "unhealthy",
			"database":   "down",
			"live_state": liveState,
		})
	}

	return e.JSON(http.StatusOK, map[string]string{
		"status":     "healthy",
		"database":   "up",
		"live_state": liveState,
	})
}
