// Package migrations embeds the SQL migration files of the container directory.
package migrations

import "embed"

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS
