// Package migrations embeds the roster schema for each supported backend.
// Migrations are embedded so they work regardless of working directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the migrations for the Postgres roster backend.
func Postgres() fs.FS { return sub("postgres") }

// SQLite returns the migrations for the SQLite roster backend.
func SQLite() fs.FS { return sub("sqlite") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		// fs.Sub only fails on an invalid path, and dir is a constant.
		panic(err)
	}
	return f
}
