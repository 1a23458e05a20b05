package migrations

import "embed"

// FS contains embedded SQLite migrations for courier storage.
//
//go:embed *.sql
var FS embed.FS
