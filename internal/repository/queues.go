package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"web-eq/internal/status"
	"web-eq/models"
)

const queueSelect = `SELECT q.id, q.business_id, q.name, COALESCE(q.limit_size, 0) AS limit_size,
	COALESCE(q.start_time, '') AS start_time, COALESCE(q.end_time, '') AS end_time,
	q.status, COALESCE(q.employee_id, '') AS employee_id, q.created_at, q.updated_at
	FROM queues q`

type queueRow struct {
	ID         string         `db:"id"`
	BusinessID string         `db:"business_id"`
	Name       string         `db:"name"`
	LimitSize  int            `db:"limit_size"`
	StartTime  string         `db:"start_time"`
	EndTime    string         `db:"end_time"`
	Status     string         `db:"status"`
	EmployeeID string         `db:"employee_id"`
	CreatedAt  types.DateTime `db:"created_at"`
	UpdatedAt  types.DateTime `db:"updated_at"`
}

func (row queueRow) toModel() models.Queue {
	return models.Queue{
		ID:         row.ID,
		BusinessID: row.BusinessID,
		Name:       row.Name,
		Limit:      row.LimitSize,
		StartTime:  row.StartTime,
		EndTime:    row.EndTime,
		Status:     models.QueueStatus(row.Status),
		EmployeeID: row.EmployeeID,
		CreatedAt:  row.CreatedAt.Time(),
		UpdatedAt:  row.UpdatedAt.Time(),
	}
}

func queueModels(rows []queueRow) []models.Queue {
	queues := make([]models.Queue, 0, len(rows))
	for _, row := range rows {
		queues = append(queues, row.toModel())
	}
	return queues
}

type offeringRow struct {
	ID                string          `db:"id"`
	ServiceID         string          `db:"service_id"`
	ServiceName       string          `db:"service_name"`
	BusinessID        string          `db:"business_id"`
	QueueID           string          `db:"queue_id"`
	Fee               decimal.Decimal `db:"service_fee"`
	FeeType           string          `db:"fee_type"`
	AvgServiceMinutes int             `db:"avg_service_time"`
	Description       string          `db:"description"`
}

const offeringSelect = `SELECT qs.id, qs.service_id, COALESCE(s.name, '') AS service_name, qs.business_id,
	COALESCE(qs.queue_id, '') AS queue_id, COALESCE(qs.service_fee, 0) AS service_fee,
	COALESCE(qs.fee_type, '') AS fee_type, COALESCE(qs.avg_service_time, 0) AS avg_service_time,
	COALESCE(qs.description, '') AS description
	FROM queue_services qs
	LEFT JOIN services s ON s.id = qs.service_id`

func offeringModels(rows []offeringRow) []models.ServiceOffering {
	offerings := make([]models.ServiceOffering, 0, len(rows))
	for _, row := range rows {
		offerings = append(offerings, models.ServiceOffering(row))
	}
	return offerings
}

func (r *Repository) GetBusiness(ctx context.Context, businessID string) (*models.Business, error) {
	var row struct {
		ID   string `db:"id"`
		Name string `db:"name"`
	}
	err := r.db.NewQuery("SELECT id, name FROM businesses WHERE id = {:id}").
		Bind(dbx.Params{"id": businessID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrBusinessNotFound
	}
	if err != nil {
		return nil, persistenceErr("load business", err)
	}
	return &models.Business{ID: row.ID, Name: row.Name}, nil
}

func (r *Repository) GetQueue(ctx context.Context, queueID string) (*models.Queue, error) {
	var row queueRow
	err := r.db.NewQuery(queueSelect + " WHERE q.id = {:id}").
		Bind(dbx.Params{"id": queueID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrQueueNotFound
	}
	if err != nil {
		return nil, persistenceErr("load queue", err)
	}
	queue := row.toModel()
	return &queue, nil
}

func (r *Repository) ListQueuesByBusiness(ctx context.Context, businessID string) ([]models.Queue, error) {
	var rows []queueRow
	err := r.db.NewQuery(queueSelect + " WHERE q.business_id = {:business} ORDER BY q.created_at, q.id").
		Bind(dbx.Params{"business": businessID}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, persistenceErr("list queues", err)
	}
	return queueModels(rows), nil
}

// ResolveOfferings returns the offerings among offeringIDs that belong to the
// business, in a stable order.
func (r *Repository) ResolveOfferings(ctx context.Context, businessID string, offeringIDs []string) ([]models.ServiceOffering, error) {
	if len(offeringIDs) == 0 {
		return nil, nil
	}
	params := dbx.Params{"business": businessID}
	query := fmt.Sprintf("%s WHERE qs.business_id = {:business} AND qs.id IN (%s) ORDER BY qs.id",
		offeringSelect, inList("o", offeringIDs, params))

	var rows []offeringRow
	if err := r.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return nil, persistenceErr("resolve offerings", err)
	}
	return offeringModels(rows), nil
}

// EligibleQueues returns the non-stopped queues of the business offering at
// least one of the services behind offeringIDs. An offering without a queue
// is business-wide and makes every queue eligible.
func (r *Repository) EligibleQueues(ctx context.Context, businessID string, offeringIDs []string) ([]models.Queue, error) {
	if len(offeringIDs) == 0 {
		return nil, nil
	}
	params := dbx.Params{"business": businessID, "stopped": string(models.QueueStopped)}
	query := fmt.Sprintf(`%s
		WHERE q.business_id = {:business} AND q.status != {:stopped} AND (
			EXISTS (
				SELECT 1 FROM queue_services qs
				WHERE qs.queue_id = q.id AND qs.service_id IN (
					SELECT sel.service_id FROM queue_services sel
					WHERE sel.business_id = {:business} AND sel.id IN (%s)
				)
			)
			OR EXISTS (
				SELECT 1 FROM queue_services bw
				WHERE bw.business_id = {:business} AND COALESCE(bw.queue_id, '') = '' AND bw.id IN (%s)
			)
		)
		ORDER BY q.created_at, q.id`,
		queueSelect, inList("a", offeringIDs, params), inList("b", offeringIDs, params))

	var rows []queueRow
	if err := r.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return nil, persistenceErr("eligible queues", err)
	}
	return queueModels(rows), nil
}

// EntryOfferings returns the offerings linked to a queue entry.
func (r *Repository) EntryOfferings(ctx context.Context, entryID string) ([]models.ServiceOffering, error) {
	query := offeringSelect + `
		JOIN queue_user_services l ON l.queue_service_id = qs.id
		WHERE l.queue_user_id = {:entry}
		ORDER BY qs.id`

	var rows []offeringRow
	if err := r.db.NewQuery(query).Bind(dbx.Params{"entry": entryID}).WithContext(ctx).All(&rows); err != nil {
		return nil, persistenceErr("entry offerings", err)
	}
	return offeringModels(rows), nil
}
