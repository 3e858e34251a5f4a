// Package migrations embeds the SQL schema applied by tools/migrator.
package migrations

import "embed"

// FS holds every NNN_name.sql migration file.
//
//go:embed *.sql
var FS embed.FS
