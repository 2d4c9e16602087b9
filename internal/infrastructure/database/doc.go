// Package database opens the SQLite file behind the modem bridge history
// and applies its schema migrations.
//
// The bridge loop inserts every relayed message and link event; the HTTP
// API reads them back. Open sets WAL mode and a busy timeout so those reads
// do not block the loop, and limits the pool to one connection because
// SQLite has a single writer.
//
// Migrations are passed in as an fs.FS holding file pairs named
// YYYYMMDD_HHMMSS_name.up.sql / .down.sql:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Applied versions are tracked in schema_migrations. Rollback reverts the
// newest one and MigrationStatus lists them; both back the
// "modembridge migrate" subcommand.
package database
