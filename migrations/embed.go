// Package migrations embeds the SQL migration files for the SQL-backed
// key/value stores. Migrations are embedded so they work regardless of
// working directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres holds the migrations for the pgx-backed store (e.g. 001_kv.sql).
var Postgres = mustSub("postgres")

// SQLite holds the migrations for the database/sql SQLite store.
var SQLite = mustSub("sqlite")

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
