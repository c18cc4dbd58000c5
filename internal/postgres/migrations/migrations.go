// Package migrations embeds the goose SQL migration files consumed by
// internal/postgres.Migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
