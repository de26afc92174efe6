package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execSQL []string
	applied map[string]bool
	beginFn func(ctx context.Context) (pgx.Tx, error)
	execErr error
	scanErr error
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	name, _ := args[0].(string)
	return fakeMigratorRow{exists: f.applied[name], err: f.scanErr}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return nil, errors.New("begin not configured")
}

type fakeMigratorRow struct {
	exists bool
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if b, ok := dest[0].(*bool); ok {
		*b = r.exists
	}
	return nil
}

type fakeMigratorTx struct {
	execSQL    []string
	execErr    error
	commitErr  error
	rolledBack bool
	committed  bool
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	return pgconn.CommandTag{}, t.execErr
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o600); err != nil {
		t.Fatalf("write migration: %v", err)
	}
}

func TestRunMigrationsAppliesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0002_second.sql", "CREATE INDEX two;")
	writeMigration(t, dir, "0001_first.sql", "CREATE TABLE one;")

	tx := &fakeMigratorTx{}
	db := &fakeMigratorDB{
		applied: map[string]bool{},
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}

	if err := runMigrations(context.Background(), db, dir, func(string, ...any) {}); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "schema_migrations") {
		t.Fatalf("expected schema_migrations bootstrap, got %v", db.execSQL)
	}
	// Two files, each: apply + record.
	if len(tx.execSQL) != 4 {
		t.Fatalf("expected 4 tx statements, got %d", len(tx.execSQL))
	}
	if !strings.Contains(tx.execSQL[0], "CREATE TABLE one") {
		t.Fatalf("migrations must run in lexical order, first was %q", tx.execSQL[0])
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_first.sql", "CREATE TABLE one;")

	db := &fakeMigratorDB{
		applied: map[string]bool{"0001_first.sql": true},
		beginFn: func(ctx context.Context) (pgx.Tx, error) {
			t.Fatal("applied migration must not begin a tx")
			return nil, nil
		},
	}
	if err := runMigrations(context.Background(), db, dir, func(string, ...any) {}); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_broken.sql", "NOT SQL;")

	tx := &fakeMigratorTx{execErr: errors.New("syntax error")}
	db := &fakeMigratorDB{
		applied: map[string]bool{},
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}
	err := runMigrations(context.Background(), db, dir, func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "apply migration") {
		t.Fatalf("expected apply error, got %v", err)
	}
	if !tx.rolledBack {
		t.Fatal("failed migration must roll back")
	}
}

func TestRunMigrationsBootstrapFailure(t *testing.T) {
	db := &fakeMigratorDB{execErr: errors.New("connection refused")}
	err := runMigrations(context.Background(), db, t.TempDir(), nil)
	if err == nil || !strings.Contains(err.Error(), "schema_migrations") {
		t.Fatalf("expected bootstrap error, got %v", err)
	}
}

func TestRunMigrationsNilDB(t *testing.T) {
	if err := runMigrations(context.Background(), nil, t.TempDir(), nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestRepoMigrationsParse(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("expected bundled migrations, got %v (%v)", files, err)
	}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if !strings.Contains(strings.ToUpper(string(raw)), "AUDIT_ENTRIES") {
			t.Fatalf("migration %s does not touch audit_entries", f)
		}
	}
}
