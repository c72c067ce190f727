// Package migrations embeds the SQL schema so binaries and integration
// tests apply the same files.
package migrations

import "embed"

// FS holds every *.up.sql file, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
