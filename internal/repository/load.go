package repository

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"

	"web-eq/models"
)

type loadRow struct {
	QueueID    string `db:"queue_id"`
	Registered int    `db:"registered"`
	InProgress int    `db:"in_progress"`
	TotalTurn  int    `db:"total_turn"`
}

func (row loadRow) toModel() models.QueueLoad {
	return models.QueueLoad{Registered: row.Registered, InProgress: row.InProgress, TotalTurnMinutes: row.TotalTurn}
}

const loadColumns = `SUM(CASE WHEN status = {:registered} THEN 1 ELSE 0 END) AS registered,
	SUM(CASE WHEN status = {:in_progress} THEN 1 ELSE 0 END) AS in_progress,
	SUM(CASE WHEN turn_time IS NULL OR turn_time < 0 THEN {:default_turn} ELSE turn_time END) AS total_turn`

// SameDayLoad returns the active load of every queue in queueIDs on date in a
// single grouped query. Missing or negative turn times count as defaultTurn.
// Queues without active entries are absent from the result.
func (r *Repository) SameDayLoad(ctx context.Context, queueIDs []string, date string, defaultTurn int) (map[string]models.QueueLoad, error) {
	result := make(map[string]models.QueueLoad, len(queueIDs))
	if len(queueIDs) == 0 {
		return result, nil
	}

	params := dbx.Params{"date": date, "default_turn": defaultTurn}
	query := fmt.Sprintf(`SELECT queue_id, %s FROM queue_users
		WHERE queue_date = {:date} AND status IN %s AND queue_id IN (%s)
		GROUP BY queue_id`,
		loadColumns, activeParams(params), inList("q", queueIDs, params))

	var rows []loadRow
	if err := r.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return nil, persistenceErr("same day load", err)
	}
	for _, row := range rows {
		result[row.QueueID] = row.toModel()
	}
	return result, nil
}

// ScheduledCounts returns the number of active entries per queue on date.
func (r *Repository) ScheduledCounts(ctx context.Context, queueIDs []string, date string) (map[string]int, error) {
	result := make(map[string]int, len(queueIDs))
	if len(queueIDs) == 0 {
		return result, nil
	}

	params := dbx.Params{"date": date}
	query := fmt.Sprintf(`SELECT queue_id, COUNT(*) AS total FROM queue_users
		WHERE queue_date = {:date} AND status IN %s AND queue_id IN (%s)
		GROUP BY queue_id`,
		activeParams(params), inList("q", queueIDs, params))

	var rows []struct {
		QueueID string `db:"queue_id"`
		Total   int    `db:"total"`
	}
	if err := r.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return nil, persistenceErr("scheduled counts", err)
	}
	for _, row := range rows {
		result[row.QueueID] = row.Total
	}
	return result, nil
}

// CompletedSamples returns completed entries with both service timestamps for
// the given queues and dates in one query.
func (r *Repository) CompletedSamples(ctx context.Context, queueIDs, dates []string) ([]models.CompletionSample, error) {
	if len(queueIDs) == 0 || len(dates) == 0 {
		return nil, nil
	}

	params := dbx.Params{"completed": string(models.EntryCompleted)}
	query := fmt.Sprintf(`SELECT queue_id, queue_date, enqueue_time, dequeue_time FROM queue_users
		WHERE status = {:completed}
		AND COALESCE(enqueue_time, '') != '' AND COALESCE(dequeue_time, '') != ''
		AND queue_id IN (%s) AND queue_date IN (%s)`,
		inList("q", queueIDs, params), inList("d", dates, params))

	var rows []struct {
		QueueID     string         `db:"queue_id"`
		QueueDate   string         `db:"queue_date"`
		EnqueueTime types.DateTime `db:"enqueue_time"`
		DequeueTime types.DateTime `db:"dequeue_time"`
	}
	if err := r.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return nil, persistenceErr("completed samples", err)
	}

	samples := make([]models.CompletionSample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, models.CompletionSample{
			QueueID:     row.QueueID,
			QueueDate:   row.QueueDate,
			EnqueueTime: row.EnqueueTime.Time(),
			DequeueTime: row.DequeueTime.Time(),
		})
	}
	return samples, nil
}

// AheadOf returns the active load queued before entry (lower token) in its
// queue and date.
func (r *Repository) AheadOf(ctx context.Context, entry *models.QueueEntry, defaultTurn int) (models.QueueLoad, error) {
	params := dbx.Params{
		"queue":        entry.QueueID,
		"date":         entry.QueueDate,
		"token":        int64(entry.Token),
		"id":           entry.ID,
		"default_turn": defaultTurn,
	}
	query := fmt.Sprintf(`SELECT COALESCE(queue_id, '') AS queue_id, %s FROM queue_users
		WHERE queue_id = {:queue} AND queue_date = {:date} AND status IN %s
		AND token_seq < {:token} AND id != {:id}
		GROUP BY queue_id`,
		loadColumns, activeParams(params))

	var rows []loadRow
	if err := r.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return models.QueueLoad{}, persistenceErr("entries ahead", err)
	}
	if len(rows) == 0 {
		return models.QueueLoad{}, nil
	}
	return rows[0].toModel(), nil
}
