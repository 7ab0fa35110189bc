package migrations

import "embed"

// Files holds the SQL migrations, applied in lexical order (001_init.sql,
// 002_first_seen_unique.sql, ...).
//
//go:embed *.sql
var Files embed.FS
