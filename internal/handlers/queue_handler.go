package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"web-eq/internal/services"
	"web-eq/models"
)

type QueueHandler struct {
	booking  *services.BookingService
	selector *services.Selector
	state    *services.StateAggregator
	ops      *services.QueueOpsService
}

func NewQueueHandler(booking *services.BookingService, selector *services.Selector, state *services.StateAggregator, ops *services.QueueOpsService) *QueueHandler {
	return &QueueHandler{
		booking:  booking,
		selector: selector,
		state:    state,
		ops:      ops,
	}
}

// Book - book a ticket for the authenticated user
func (h *QueueHandler) Book(e *core.RequestEvent) error {
	userID, err := authUserID(e)
	if err != nil {
		return err
	}

	var req models.BookingRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.BusinessID == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("business_id must not be empty"))
	}
	req.UserID = userID

	confirmation, err := h.booking.Book(e.Request.Context(), req)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, confirmation)
}

// BookingPreview - queue options and the recommended queue for a day
func (h *QueueHandler) BookingPreview(e *core.RequestEvent) error {
	var req struct {
		BusinessID  string   `json:"business_id"`
		Date        string   `json:"queue_date"`
		OfferingIDs []string `json:"service_ids"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.BusinessID == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("business_id must not be empty"))
	}

	preview, err := h.selector.BookingPreview(e.Request.Context(), req.BusinessID, req.Date, req.OfferingIDs)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, preview)
}

// AvailableSlots - per queue availability of a business on booking_date
func (h *QueueHandler) AvailableSlots(e *core.RequestEvent) error {
	businessID := e.Request.PathValue("businessId")
	query := e.Request.URL.Query()

	date := query.Get("booking_date")
	if date == "" {
		return apis.NewBadRequestError("booking_date is required", nil)
	}

	slots, err := h.state.Availability(e.Request.Context(), businessID, date, splitIDs(query.Get("service_ids")))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"business_id": businessID,
		"date":        date,
		"slots":       slots,
	})
}

// MyBookings - latest tickets of the authenticated user
func (h *QueueHandler) MyBookings(e *core.RequestEvent) error {
	userID, err := authUserID(e)
	if err != nil {
		return err
	}

	entries, err := h.ops.MyBookings(e.Request.Context(), userID)
	if err != nil {
		return apiError(err)
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return e.JSON(http.StatusOK, map[string]any{"items": entries, "total": len(entries)})
}
