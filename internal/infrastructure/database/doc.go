// Package database opens the SQLite file behind chainkeeper's download and
// process history and applies its schema migrations.
//
// The connection runs in WAL mode with a single writer. Migrations are read
// from an fs.FS (normally the embedded migrations package) and applied one
// transaction each:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
