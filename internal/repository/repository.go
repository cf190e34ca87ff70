// Package repository is the durable queue store: queues, service offerings
// and queue entries on top of pocketbase/dbx. SQLite (modernc) is the default
// driver and Postgres (lib/pq) is supported with the same schema.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"web-eq/internal/status"
	"web-eq/migrations"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	tokenIndex = "idx_queue_users_token"
)

const sqlitePragmas = "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)" +
	"&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"

type Repository struct {
	db     *dbx.DB
	driver string
}

// Open connects to the queue database. SQLite DSNs without query options get
// the WAL/busy-timeout pragmas and immediate write transactions.
func Open(driver, dsn string) (*Repository, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqlitePragmas
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported queue db driver %q", driver)
	}

	db, err := dbx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	return New(db, driver), nil
}

func New(db *dbx.DB, driver string) *Repository {
	return &Repository{db: db, driver: driver}
}

func (r *Repository) DB() *dbx.DB {
	return r.db
}

// Migrate applies pending schema migrations.
func (r *Repository) Migrate(ctx context.Context) error {
	applied, err := migrations.Apply(ctx, r.db)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		slog.Info("Applied queue store migrations", "versions", applied)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.DB().PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", status.ErrPersistence, op, err)
}

// conflictErr maps unique-index violations on queue_users to the store
// conflict errors. It returns nil for any other error.
func conflictErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == tokenIndex {
			return status.ErrTokenTaken
		}
		return status.ErrDuplicateActiveEntry
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT {
			return nil
		}
		if strings.Contains(liteErr.Error(), "token_seq") {
			return status.ErrTokenTaken
		}
		if strings.Contains(liteErr.Error(), "user_id") {
			return status.ErrDuplicateActiveEntry
		}
	}
	return nil
}

// inList binds values as numbered params and returns the placeholder list.
func inList(prefix string, values []string, params dbx.Params) string {
	names := make([]string, len(values))
	for i, v := range values {
		key := fmt.Sprintf("%s%d", prefix, i)
		params[key] = v
		names[i] = "{:" + key + "}"
	}
	return strings.Join(names, ", ")
}

func toDateTime(t time.Time) types.DateTime {
	d, _ := types.ParseDateTime(t)
	return d
}

func ptrDateTime(t *time.Time) types.DateTime {
	if t == nil {
		return types.DateTime{}
	}
	return toDateTime(*t)
}

func timePtr(d types.DateTime) *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time()
	return &t
}
