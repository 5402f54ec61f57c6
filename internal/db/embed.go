package db

import "embed"

// EmbedMigrations holds the goose SQL migrations for the job store and the
// reporting schema.
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS
