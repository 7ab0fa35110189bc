package store

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"

	"gitea.jw6.us/james/beaconattend/internal/migrations"
	"github.com/jackc/pgx/v5"
)

// migrationLockKey serialises concurrent server start-ups against one database.
// It is taken with pg_advisory_xact_lock so it is released with each
// transaction, whichever pooled connection that transaction ran on.
const migrationLockKey int64 = 0x6265_6163_6f6e

// ApplyMigrations applies every embedded SQL migration that has not been
// recorded in schema_migrations. Each migration runs in its own transaction
// together with its bookkeeping row, under the migration lock.
func ApplyMigrations(ctx context.Context, pool PgxPool) error {
	names, err := migrationNames(migrations.Files)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	if err := ensureMigrationTable(ctx, pool); err != nil {
		return err
	}
	for _, name := range names {
		applied, err := applyMigration(ctx, pool, migrations.Files, name)
		if err != nil {
			return err
		}
		if applied {
			log.Printf("[INFO] applied migration %s", name)
		}
	}
	return nil
}

func ensureMigrationTable(ctx context.Context, pool PgxPool) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin schema_migrations: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	const createTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := tx.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema_migrations: %w", err)
	}
	return nil
}

func migrationNames(files fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// applyMigration reports whether name was applied by this call. The applied
// check runs after the lock is held so concurrent runners never apply a
// migration twice.
func applyMigration(ctx context.Context, pool PgxPool, files fs.FS, name string) (bool, error) {
	contents, err := fs.ReadFile(files, name)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}
	const q = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`
	var applied bool
	if err := tx.QueryRow(ctx, q, name).Scan(&applied); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	if applied {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	const record = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`
	if _, err := tx.Exec(ctx, record, name); err != nil {
		return false, fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}
