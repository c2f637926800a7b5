// Package migrations embeds the schema migrations so binaries can bring
// the database up to date at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
