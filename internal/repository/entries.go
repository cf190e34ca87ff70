package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"

	"web-eq/internal/status"
	"web-eq/models"
)

const entryColumns = `qu.id, qu.user_id, qu.queue_id, qu.queue_date, qu.token_seq, qu.status, qu.priority,
	COALESCE(qu.turn_time, 0) AS turn_time, qu.enqueue_time, qu.dequeue_time,
	qu.estimated_enqueue_time, qu.estimated_dequeue_time, qu.is_scheduled, qu.notes,
	qu.cancellation_reason, qu.reschedule_count, qu.created_at, qu.updated_at`

type entryRow struct {
	ID                   string         `db:"id"`
	UserID               string         `db:"user_id"`
	QueueID              string         `db:"queue_id"`
	QueueDate            string         `db:"queue_date"`
	TokenSeq             int64          `db:"token_seq"`
	Status               string         `db:"status"`
	Priority             bool           `db:"priority"`
	TurnTime             int            `db:"turn_time"`
	EnqueueTime          types.DateTime `db:"enqueue_time"`
	DequeueTime          types.DateTime `db:"dequeue_time"`
	EstimatedEnqueueTime types.DateTime `db:"estimated_enqueue_time"`
	EstimatedDequeueTime types.DateTime `db:"estimated_dequeue_time"`
	IsScheduled          bool           `db:"is_scheduled"`
	Notes                string         `db:"notes"`
	CancellationReason   string         `db:"cancellation_reason"`
	RescheduleCount      int            `db:"reschedule_count"`
	CreatedAt            types.DateTime `db:"created_at"`
	UpdatedAt            types.DateTime `db:"updated_at"`
}

func (row entryRow) toModel() models.QueueEntry {
	return models.QueueEntry{
		ID:                   row.ID,
		UserID:               row.UserID,
		QueueID:              row.QueueID,
		QueueDate:            row.QueueDate,
		Token:                models.Token(row.TokenSeq),
		Status:               models.EntryStatus(row.Status),
		Priority:             row.Priority,
		TurnTime:             row.TurnTime,
		EnqueueTime:          timePtr(row.EnqueueTime),
		DequeueTime:          timePtr(row.DequeueTime),
		EstimatedEnqueueTime: timePtr(row.EstimatedEnqueueTime),
		EstimatedDequeueTime: timePtr(row.EstimatedDequeueTime),
		IsScheduled:          row.IsScheduled,
		Notes:                row.Notes,
		CancellationReason:   row.CancellationReason,
		RescheduleCount:      row.RescheduleCount,
		CreatedAt:            row.CreatedAt.Time(),
		UpdatedAt:            row.UpdatedAt.Time(),
	}
}

func entryModels(rows []entryRow) []models.QueueEntry {
	entries := make([]models.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toModel())
	}
	return entries
}

func activeParams(params dbx.Params) string {
	params["registered"] = string(models.EntryRegistered)
	params["in_progress"] = string(models.EntryInProgress)
	return "({:registered}, {:in_progress})"
}

func (r *Repository) GetEntry(ctx context.Context, entryID string) (*models.QueueEntry, error) {
	var row entryRow
	err := r.db.NewQuery("SELECT " + entryColumns + " FROM queue_users qu WHERE qu.id = {:id}").
		Bind(dbx.Params{"id": entryID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTicketNotFound
	}
	if err != nil {
		return nil, persistenceErr("load entry", err)
	}
	entry := row.toModel()
	return &entry, nil
}

// FindActiveEntry returns the registered or in-progress entry of a user in a
// queue on a date, or status.ErrTicketNotFound.
func (r *Repository) FindActiveEntry(ctx context.Context, userID, queueID, date string) (*models.QueueEntry, error) {
	params := dbx.Params{"user": userID, "queue": queueID, "date": date}
	query := fmt.Sprintf(`SELECT %s FROM queue_users qu
		WHERE qu.user_id = {:user} AND qu.queue_id = {:queue} AND qu.queue_date = {:date}
		AND qu.status IN %s
		ORDER BY qu.created_at
		LIMIT 1`, entryColumns, activeParams(params))

	var row entryRow
	err := r.db.NewQuery(query).Bind(params).WithContext(ctx).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTicketNotFound
	}
	if err != nil {
		return nil, persistenceErr("find active entry", err)
	}
	entry := row.toModel()
	return &entry, nil
}

// MaxToken returns the highest token issued for a queue and date, 0 if none.
func (r *Repository) MaxToken(ctx context.Context, queueID, date string) (models.Token, error) {
	token, err := maxToken(ctx, r.db, queueID, date)
	if err != nil {
		return 0, persistenceErr("max token", err)
	}
	return token, nil
}

func maxToken(ctx context.Context, db dbx.Builder, queueID, date string) (models.Token, error) {
	var max int64
	err := db.NewQuery("SELECT COALESCE(MAX(token_seq), 0) FROM queue_users WHERE queue_id = {:queue} AND queue_date = {:date}").
		Bind(dbx.Params{"queue": queueID, "date": date}).
		WithContext(ctx).
		Row(&max)
	return models.Token(max), err
}

// CreateEntry inserts the entry and its service links in one transaction.
// An entry without a token gets MAX+1 for its queue and date. Unique index
// violations surface as status.ErrTokenTaken or status.ErrDuplicateActiveEntry.
func (r *Repository) CreateEntry(ctx context.Context, entry *models.QueueEntry, offeringIDs []string) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = entry.CreatedAt

	token := entry.Token
	err := r.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		if token <= 0 {
			max, err := maxToken(ctx, tx, entry.QueueID, entry.QueueDate)
			if err != nil {
				return err
			}
			token = max + 1
		}

		_, err := tx.Insert("queue_users", dbx.Params{
			"id":                     entry.ID,
			"user_id":                entry.UserID,
			"queue_id":               entry.QueueID,
			"queue_date":             entry.QueueDate,
			"token_seq":              int64(token),
			"token_number":           token.String(),
			"status":                 string(entry.Status),
			"priority":               entry.Priority,
			"turn_time":              entry.TurnTime,
			"enqueue_time":           ptrDateTime(entry.EnqueueTime),
			"dequeue_time":           ptrDateTime(entry.DequeueTime),
			"estimated_enqueue_time": ptrDateTime(entry.EstimatedEnqueueTime),
			"estimated_dequeue_time": ptrDateTime(entry.EstimatedDequeueTime),
			"is_scheduled":           entry.IsScheduled,
			"notes":                  entry.Notes,
			"cancellation_reason":    entry.CancellationReason,
			"reschedule_count":       entry.RescheduleCount,
			"created_at":             toDateTime(entry.CreatedAt),
			"updated_at":             toDateTime(entry.UpdatedAt),
		}).WithContext(ctx).Execute()
		if err != nil {
			return err
		}

		for _, offeringID := range offeringIDs {
			_, err := tx.Insert("queue_user_services", dbx.Params{
				"id":               uuid.NewString(),
				"queue_user_id":    entry.ID,
				"queue_service_id": offeringID,
			}).WithContext(ctx).Execute()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if conflict := conflictErr(err); conflict != nil {
			return conflict
		}
		return persistenceErr("create entry", err)
	}

	entry.Token = token
	return nil
}

// TransitionEntry applies change when the entry is currently in one of the
// from statuses, and returns the updated entry.
func (r *Repository) TransitionEntry(ctx context.Context, entryID string, from []models.EntryStatus, change models.StatusChange) (*models.QueueEntry, error) {
	values := dbx.Params{
		"status":     string(change.To),
		"updated_at": types.NowDateTime(),
	}
	if change.EnqueueTime != nil {
		values["enqueue_time"] = toDateTime(*change.EnqueueTime)
	}
	if change.DequeueTime != nil {
		values["dequeue_time"] = toDateTime(*change.DequeueTime)
	}
	if change.CancellationReason != "" {
		values["cancellation_reason"] = change.CancellationReason
	}
	if change.Priority != nil {
		values["priority"] = *change.Priority
	}

	fromValues := make([]any, len(from))
	for i, s := range from {
		fromValues[i] = string(s)
	}

	result, err := r.db.Update("queue_users", values, dbx.And(
		dbx.HashExp{"id": entryID},
		dbx.In("status", fromValues...),
	)).WithContext(ctx).Execute()
	if err != nil {
		return nil, persistenceErr("transition entry", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, persistenceErr("transition entry", err)
	}
	if affected == 0 {
		if _, err := r.GetEntry(ctx, entryID); err != nil {
			return nil, err
		}
		return nil, status.ErrInvalidTransition
	}
	return r.GetEntry(ctx, entryID)
}

// GetEntryDetail returns an entry with its owner, queue and service names.
func (r *Repository) GetEntryDetail(ctx context.Context, entryID string) (*models.QueueUserDetail, error) {
	entry, err := r.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	var row struct {
		FullName    string `db:"full_name"`
		Email       string `db:"email"`
		PhoneNumber string `db:"phone_number"`
		QueueName   string `db:"queue_name"`
		BusinessID  string `db:"business_id"`
		EmployeeID  string `db:"employee_id"`
	}
	err = r.db.NewQuery(`SELECT COALESCE(u.full_name, '') AS full_name, COALESCE(u.email, '') AS email,
			COALESCE(u.phone_number, '') AS phone_number, COALESCE(q.name, '') AS queue_name,
			COALESCE(q.business_id, '') AS business_id, COALESCE(q.employee_id, '') AS employee_id
		FROM queue_users qu
		LEFT JOIN queues q ON q.id = qu.queue_id
		LEFT JOIN users u ON u.id = qu.user_id
		WHERE qu.id = {:id}`).
		Bind(dbx.Params{"id": entryID}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		return nil, persistenceErr("load entry detail", err)
	}

	var services []string
	err = r.db.NewQuery(`SELECT COALESCE(s.name, '') FROM queue_user_services l
		JOIN queue_services qs ON qs.id = l.queue_service_id
		LEFT JOIN services s ON s.id = qs.service_id
		WHERE l.queue_user_id = {:id}
		ORDER BY s.name`).
		Bind(dbx.Params{"id": entryID}).
		WithContext(ctx).
		Column(&services)
	if err != nil {
		return nil, persistenceErr("load entry services", err)
	}
	if services == nil {
		services = []string{}
	}

	return &models.QueueUserDetail{
		QueueEntry:  *entry,
		FullName:    row.FullName,
		Email:       row.Email,
		PhoneNumber: row.PhoneNumber,
		QueueName:   row.QueueName,
		BusinessID:  row.BusinessID,
		EmployeeID:  row.EmployeeID,
		Services:    services,
	}, nil
}

// ListEntries returns one page of queue users, newest first.
func (r *Repository) ListEntries(ctx context.Context, filter models.EntryFilter) (*models.EntryPage, error) {
	filter.Normalize()

	params := dbx.Params{}
	var where []string
	if filter.BusinessID != "" {
		where = append(where, "q.business_id = {:business}")
		params["business"] = filter.BusinessID
	}
	if filter.QueueID != "" {
		where = append(where, "qu.queue_id = {:queue}")
		params["queue"] = filter.QueueID
	}
	if filter.EmployeeID != "" {
		where = append(where, "q.employee_id = {:employee}")
		params["employee"] = filter.EmployeeID
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		where = append(where, `(LOWER(COALESCE(u.full_name, '')) LIKE {:search}
			OR LOWER(COALESCE(u.email, '')) LIKE {:search}
			OR COALESCE(u.phone_number, '') LIKE {:search}
			OR LOWER(qu.token_number) LIKE {:search})`)
		params["search"] = "%" + strings.ToLower(search) + "%"
	}

	from := ` FROM queue_users qu
		JOIN queues q ON q.id = qu.queue_id
		LEFT JOIN users u ON u.id = qu.user_id`
	if len(where) > 0 {
		from += " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.NewQuery("SELECT COUNT(*)" + from).Bind(params).WithContext(ctx).Row(&total); err != nil {
		return nil, persistenceErr("count entries", err)
	}

	params["limit"] = filter.Limit
	params["offset"] = (filter.Page - 1) * filter.Limit

	var rows []struct {
		ID          string         `db:"id"`
		UserID      string         `db:"user_id"`
		FullName    string         `db:"full_name"`
		Email       string         `db:"email"`
		PhoneNumber string         `db:"phone_number"`
		QueueID     string         `db:"queue_id"`
		QueueName   string         `db:"queue_name"`
		QueueDate   string         `db:"queue_date"`
		TokenSeq    int64          `db:"token_seq"`
		Status      string         `db:"status"`
		CreatedAt   types.DateTime `db:"created_at"`
	}
	err := r.db.NewQuery(`SELECT qu.id, qu.user_id, COALESCE(u.full_name, '') AS full_name,
			COALESCE(u.email, '') AS email, COALESCE(u.phone_number, '') AS phone_number,
			qu.queue_id, q.name AS queue_name, qu.queue_date, qu.token_seq, qu.status, qu.created_at` +
		from + ` ORDER BY qu.created_at DESC, qu.id DESC LIMIT {:limit} OFFSET {:offset}`).
		Bind(params).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, persistenceErr("list entries", err)
	}

	page := &models.EntryPage{Items: make([]models.QueueUserRow, 0, len(rows)), Total: total, Page: filter.Page, Limit: filter.Limit}
	for _, row := range rows {
		page.Items = append(page.Items, models.QueueUserRow{
			ID:          row.ID,
			UserID:      row.UserID,
			FullName:    row.FullName,
			Email:       row.Email,
			PhoneNumber: row.PhoneNumber,
			QueueID:     row.QueueID,
			QueueName:   row.QueueName,
			QueueDate:   row.QueueDate,
			Token:       models.Token(row.TokenSeq),
			Status:      models.EntryStatus(row.Status),
			CreatedAt:   row.CreatedAt.Time(),
		})
	}
	return page, nil
}

// ListUserEntries returns a user's bookings, newest first.
func (r *Repository) ListUserEntries(ctx context.Context, userID string, limit int) ([]models.QueueEntry, error) {
	var rows []entryRow
	err := r.db.NewQuery("SELECT " + entryColumns + " FROM queue_users qu WHERE qu.user_id = {:user} ORDER BY qu.created_at DESC, qu.id DESC LIMIT {:limit}").
		Bind(dbx.Params{"user": userID, "limit": limit}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, persistenceErr("list user entries", err)
	}
	return entryModels(rows), nil
}

// ActiveEntriesForDay returns the active entries of a queue on a date in
// token order.
func (r *Repository) ActiveEntriesForDay(ctx context.Context, queueID, date string) ([]models.QueueEntry, error) {
	params := dbx.Params{"queue": queueID, "date": date}
	query := fmt.Sprintf("SELECT %s FROM queue_users qu WHERE qu.queue_id = {:queue} AND qu.queue_date = {:date} AND qu.status IN %s ORDER BY qu.token_seq",
		entryColumns, activeParams(params))

	var rows []entryRow
	if err := r.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return nil, persistenceErr("active entries", err)
	}
	return entryModels(rows), nil
}

// QueuesWithActiveEntries returns the ids of queues holding active entries on
// a date.
func (r *Repository) QueuesWithActiveEntries(ctx context.Context, date string) ([]string, error) {
	params := dbx.Params{"date": date}
	query := fmt.Sprintf("SELECT DISTINCT queue_id FROM queue_users WHERE queue_date = {:date} AND status IN %s ORDER BY queue_id",
		activeParams(params))

	var ids []string
	if err := r.db.NewQuery(query).Bind(params).WithContext(ctx).Column(&ids); err != nil {
		return nil, persistenceErr("active queues", err)
	}
	return ids, nil
}
