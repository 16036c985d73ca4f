package db

import "embed"

// MigrationFS holds the Postgres schema migrations applied by cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
