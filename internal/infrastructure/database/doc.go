// Package database provides the SQLite handle used by thermostatd.
//
// The database holds the registry of attached thermostats (so they survive a
// restart) and the binned temperature history served by the API.
//
// Open configures go-sqlite3 with foreign keys on, an optional WAL journal
// and a busy timeout, then restricts the file to 0600. Schema changes are
// embedded SQL files applied by Migrate, one transaction per file:
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/thermostatd.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// New columns must be nullable or carry a default, and every .up.sql ships
// with a matching .down.sql.
package database
