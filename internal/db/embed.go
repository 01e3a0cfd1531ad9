package db

import "embed"

// EmbedMigrations holds the goose migrations for the gateway's local store.
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS
