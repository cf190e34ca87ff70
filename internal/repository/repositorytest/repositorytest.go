// Package repositorytest opens throwaway SQLite queue stores and seeds them
// for tests.
package repositorytest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/stretchr/testify/require"

	"web-eq/internal/repository"
	"web-eq/models"
)

// Open returns a migrated repository backed by a temp-file SQLite database.
func Open(t testing.TB) *repository.Repository {
	t.Helper()

	repo, err := repository.Open(repository.DriverSQLite, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background()))

	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func insert(t testing.TB, repo *repository.Repository, table string, params dbx.Params) {
	t.Helper()
	_, err := repo.DB().Insert(table, params).Execute()
	require.NoError(t, err, "insert into %s", table)
}

func SeedBusiness(t testing.TB, repo *repository.Repository, id, name string) {
	insert(t, repo, "businesses", dbx.Params{"id": id, "name": name})
}

func SeedUser(t testing.TB, repo *repository.Repository, id, fullName, email, phone string) {
	insert(t, repo, "users", dbx.Params{"id": id, "full_name": fullName, "email": email, "phone_number": phone})
}

func SeedService(t testing.TB, repo *repository.Repository, id, name string) {
	insert(t, repo, "services", dbx.Params{"id": id, "name": name})
}

// SeedQueue inserts q. Queues are ordered by creation time, so callers seeding
// several queues get them back in seeding order.
func SeedQueue(t testing.TB, repo *repository.Repository, q models.Queue) {
	if q.Status == "" {
		q.Status = models.QueueRunning
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	created, _ := types.ParseDateTime(q.CreatedAt)

	params := dbx.Params{
		"id":          q.ID,
		"business_id": q.BusinessID,
		"name":        q.Name,
		"status":      string(q.Status),
		"created_at":  created,
		"updated_at":  created,
	}
	if q.Limit > 0 {
		params["limit_size"] = q.Limit
	}
	if q.StartTime != "" {
		params["start_time"] = q.StartTime
	}
	if q.EndTime != "" {
		params["end_time"] = q.EndTime
	}
	if q.EmployeeID != "" {
		params["employee_id"] = q.EmployeeID
	}
	insert(t, repo, "queues", params)
	time.Sleep(2 * time.Millisecond)
}

func SeedOffering(t testing.TB, repo *repository.Repository, o models.ServiceOffering) {
	params := dbx.Params{
		"id":          o.ID,
		"service_id":  o.ServiceID,
		"business_id": o.BusinessID,
		"service_fee": o.Fee.String(),
	}
	if o.QueueID != "" {
		params["queue_id"] = o.QueueID
	}
	if o.AvgServiceMinutes != 0 {
		params["avg_service_time"] = o.AvgServiceMinutes
	}
	insert(t, repo, "queue_services", params)
}

// SeedEntry stores an entry through the repository and returns it with its
// assigned id and token.
func SeedEntry(t testing.TB, repo *repository.Repository, entry models.QueueEntry, offeringIDs ...string) models.QueueEntry {
	t.Helper()
	if entry.Status == "" {
		entry.Status = models.EntryRegistered
	}
	if entry.UserID == "" {
		entry.UserID = uuid.NewString()
	}
	require.NoError(t, repo.CreateEntry(context.Background(), &entry, offeringIDs))
	return entry
}

// SeedCompleted stores a completed entry whose service took the given
// number of minutes.
func SeedCompleted(t testing.TB, repo *repository.Repository, queueID, date string, minutes float64) {
	t.Helper()
	day, err := time.Parse(models.DateLayout, date)
	require.NoError(t, err)

	start := day.Add(9 * time.Hour)
	end := start.Add(time.Duration(minutes * float64(time.Minute)))
	SeedEntry(t, repo, models.QueueEntry{
		QueueID:     queueID,
		QueueDate:   date,
		Status:      models.EntryCompleted,
		TurnTime:    5,
		EnqueueTime: &start,
		DequeueTime: &end,
		Notes:       fmt.Sprintf("completed in %.1f min", minutes),
	})
}
