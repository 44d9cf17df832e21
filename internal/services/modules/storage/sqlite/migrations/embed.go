package migrations

import "embed"

// FS contains embedded SQLite migrations for modules storage.
//
//go:embed *.sql
var FS embed.FS
