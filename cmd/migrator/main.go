// The migrator brings the audit database up to the current schema. It
// runs to completion and exits; the gateway assumes the schema already
// exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"aegis/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	if err := runMigrations(ctx, pool, dir, log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

// runMigrations applies every *.sql file under dir in lexical order,
// once each. Each file runs in its own transaction and is recorded in
// the schema_migrations ledger on commit, so a failed file leaves the
// database exactly one migration behind.
func runMigrations(ctx context.Context, db migrationDB, dir string, logf func(format string, args ...any)) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if logf == nil {
		logf = log.Printf
	}
	if err := ensureLedger(ctx, db); err != nil {
		return err
	}

	files, err := listMigrations(dir)
	if err != nil {
		return err
	}

	applied := 0
	for _, file := range files {
		done, err := applyMigration(ctx, db, file)
		if err != nil {
			return err
		}
		if done {
			applied++
			logf("applied migration %s", filepath.Base(file))
		}
	}
	logf("migrations complete: %d applied, %d total", applied, len(files))
	return nil
}

func ensureLedger(ctx context.Context, db migrationDB) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// listMigrations globs dir for SQL files and confines every match to
// that directory before anything is read or executed.
func listMigrations(dir string) ([]string, error) {
	dir = filepath.Clean(dir)
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	for i, file := range files {
		files[i] = filepath.Clean(file)
		if !strings.HasPrefix(files[i], dir+string(os.PathSeparator)) {
			return nil, fmt.Errorf("migration %q is outside %q", file, dir)
		}
	}
	sort.Strings(files)
	return files, nil
}

// applyMigration runs one file transactionally unless the ledger shows
// it already ran. Returns whether the file was applied by this call.
func applyMigration(ctx context.Context, db migrationDB, file string) (bool, error) {
	name := filepath.Base(file)

	var seen bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&seen); err != nil {
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	if seen {
		return false, nil
	}

	// #nosec G304 -- listMigrations confined the path already.
	stmts, err := os.ReadFile(file)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(stmts)); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}
