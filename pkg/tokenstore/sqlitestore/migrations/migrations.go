// Package migrations embeds the schema migrations of the SQLite token medium.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
