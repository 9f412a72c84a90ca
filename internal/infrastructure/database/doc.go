// Package database provides SQLite connectivity for aquacore.
//
// The store is shared by the aquacore and aquabridge processes. Open
// configures WAL, a busy timeout and BEGIN IMMEDIATE transactions; WithTx
// wraps the begin/commit/rollback dance for repositories that need a
// status-guarded read-then-write.
//
// Schema changes are embedded SQL files applied by Migrate:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or defaulted, and
// every .up.sql has a matching .down.sql.
package database
