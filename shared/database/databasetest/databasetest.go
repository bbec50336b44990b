// Package databasetest opens throwaway in-memory SQLite databases for store tests.
package databasetest

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Open returns an in-memory database with the given schemas applied. The
// handle is closed when the test finishes.
func Open(t testing.TB, schemas ...[]string) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("databasetest: open: %v", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, schema := range schemas {
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				t.Fatalf("databasetest: apply schema: %v\n%s", err, stmt)
			}
		}
	}
	return db
}
