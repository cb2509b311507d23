// Package migrations embeds the goose SQL migrations so the binary and the
// schema ship together.
package migrations

import "embed"

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS
