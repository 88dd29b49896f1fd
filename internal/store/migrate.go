package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/tern/v2/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate runs all pending schema migrations against conn, adapted from the
// teacher's jobs.MigrateDatabase (same tern-based approach, trimmed of its
// debug logging of full file contents).
func Migrate(ctx context.Context, conn *pgx.Conn) error {
	migrator, err := migrate.NewMigrator(ctx, conn, "schema_version")
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}

	if err := migrator.LoadMigrations(sub); err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	return migrator.Migrate(ctx)
}
