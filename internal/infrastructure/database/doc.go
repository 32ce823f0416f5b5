// Package database opens the recorder's SQLite database and applies its
// schema.
//
// The pool holds a single connection and WAL mode lets the ops API read
// while the consumer writes. Migrations are YYYYMMDD_HHMMSS_name.up.sql /
// .down.sql pairs read from an fs.FS; the top-level migrations package
// embeds the machine schema and registers it on import:
//
//	import _ "github.com/nerrad567/machine-telemetry/migrations"
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
