// Package dbtest opens migrated throwaway databases for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/futurefish/aquacore/internal/infrastructure/database"
	_ "github.com/futurefish/aquacore/migrations" // registers the embedded schema
)

// Open returns a fully migrated database in t.TempDir, closed on cleanup.
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "aquacore-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

// Reopen returns a second handle on db's file, as another process would
// hold, closed on cleanup.
func Reopen(t testing.TB, db *database.DB) *database.DB {
	t.Helper()

	other, err := database.Open(database.Config{
		Path:        db.Path(),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("reopening test database: %v", err)
	}
	t.Cleanup(func() { other.Close() }) //nolint:errcheck // Test cleanup
	return other
}
