package migrations

import "embed"

// FS contains embedded SQLite migrations for rate limiter storage.
//
//go:embed *.sql
var FS embed.FS
