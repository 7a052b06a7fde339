// Package database provides the SQLite store shared by the event log and
// the device directory.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Additive schema migrations embedded in the binary
//   - Health checks for /api/health
//
// All queries use parameterised statements. The file is created with 0600
// permissions.
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if _, err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
