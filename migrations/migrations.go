// Package migrations holds the versioned schema of the durable queue store.
//
// Each file registers one step from init(); the version is taken from the
// numeric prefix of the registering file name.
package migrations

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
)

const tableName = "_queue_migrations"

type Migration struct {
	Version string
	Up      func(db dbx.Builder) error
}

var registry []Migration

// Register adds a migration step. The version is derived from the caller's
// file name, e.g. "1760486400_created_directory.go".
func Register(up func(db dbx.Builder) error) {
	_, path, _, _ := runtime.Caller(1)
	name := filepath.Base(path)
	version, _, _ := strings.Cut(name, "_")
	registry = append(registry, Migration{Version: version, Up: up})
}

// List returns the registered migrations ordered by version.
func List() []Migration {
	list := make([]Migration, len(registry))
	copy(list, registry)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list
}

// Apply runs every pending migration in its own transaction and returns the
// versions it applied.
func Apply(ctx context.Context, db *dbx.DB) ([]string, error) {
	_, err := db.NewQuery(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (version TEXT PRIMARY KEY NOT NULL, applied_at TEXT NOT NULL)", tableName,
	)).WithContext(ctx).Execute()
	if err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	var done []string
	if err := db.Select("version").From(tableName).WithContext(ctx).Column(&done); err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	seen := make(map[string]bool, len(done))
	for _, v := range done {
		seen[v] = true
	}

	var applied []string
	for _, mig := range List() {
		if seen[mig.Version] {
			continue
		}
		err := db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			_, err := tx.Insert(tableName, dbx.Params{
				"version":    mig.Version,
				"applied_at": types.NowDateTime(),
			}).WithContext(ctx).Execute()
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", mig.Version, err)
		}
		applied = append(applied, mig.Version)
	}
	return applied, nil
}

func exec(db dbx.Builder, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.NewQuery(stmt).Execute(); err != nil {
			return err
		}
	}
	return nil
}
