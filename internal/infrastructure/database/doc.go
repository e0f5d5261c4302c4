// Package database provides SQLite connectivity for Odemis processes.
//
// This package manages:
//   - Database connection with WAL mode and a busy timeout, so that several
//     processes can share one file
//   - Schema migrations read from an fs.FS (see package migrations)
//   - Health checks
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Directory.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are YYYYMMDD_HHMMSS_description.up.sql files with an optional
// matching .down.sql.
package database
