package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/spf13/cast"

	"web-eq/internal/services"
	"web-eq/models"
)

type TicketHandler struct {
	ops *services.QueueOpsService
}

func NewTicketHandler(ops *services.QueueOpsService) *TicketHandler {
	return &TicketHandler{ops: ops}
}

// ListUsers - paged queue users with optional business, queue, staff and
// search filters
func (h *TicketHandler) ListUsers(e *core.RequestEvent) error {
	query := e.Request.URL.Query()
	filter := models.EntryFilter{
		BusinessID: query.Get("business_id"),
		QueueID:    query.Get("queue_id"),
		EmployeeID: query.Get("employee_id"),
		Search:     query.Get("search"),
		Page:       cast.ToInt(query.Get("page")),
		Limit:      cast.ToInt(query.Get("limit")),
	}

	page, err := h.ops.List(e.Request.Context(), filter)
	if err != nil {
		return apiError(err)
	}
	if page.Items == nil {
		page.Items = []models.QueueUserRow{}
	}
	return e.JSON(http.StatusOK, page)
}

func (h *TicketHandler) UserDetail(e *core.RequestEvent) error {
	detail, err := h.ops.Detail(e.Request.Context(), e.Request.PathValue("ticketId"))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, detail)
}

func (h *TicketHandler) Position(e *core.RequestEvent) error {
	position, err := h.ops.Position(e.Request.Context(), e.Request.PathValue("ticketId"))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, position)
}

// Action - start, complete, fail, cancel or request priority for a ticket
func (h *TicketHandler) Action(e *core.RequestEvent) error {
	if _, err := authUserID(e); err != nil {
		return err
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if e.Request.ContentLength != 0 {
		if err := e.BindBody(&req); err != nil {
			return apis.NewBadRequestError("Invalid request", err)
		}
	}

	entry, err := h.ops.Transition(e.Request.Context(), e.Request.PathValue("ticketId"), e.Request.PathValue("action"), req.Reason)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, entry)
}
