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

// fakeDB tracks applied migrations in memory and satisfies migrationDB.
type fakeDB struct {
	applied   map[string]string
	execErr   error
	beginErr  error
	tx        *fakeTx
	lookupErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{applied: map[string]string{}, tx: &fakeTx{}}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.lookupErr != nil {
		return fakeRow{err: f.lookupErr}
	}
	name := args[0].(string)
	sum, ok := f.applied[name]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{checksum: sum}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx.db = f
	return f.tx, nil
}

type fakeRow struct {
	checksum string
	err      error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	p, ok := dest[0].(*string)
	if !ok {
		return errors.New("expected *string dest")
	}
	*p = r.checksum
	return nil
}

type fakeTx struct {
	db            *fakeDB
	execErr       error
	commitErr     error
	rollbackCalls int
	pendingName   string
	pendingSum    string
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	if t.pendingName != "" {
		t.db.applied[t.pendingName] = t.pendingSum
		t.pendingName = ""
	}
	return nil
}
func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	t.pendingName = ""
	return nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	if strings.Contains(sql, "INSERT INTO schema_migrations") {
		t.pendingName = args[0].(string)
		t.pendingSum = args[1].(string)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: errors.New("not implemented")}
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o600); err != nil {
		t.Fatalf("write migration: %v", err)
	}
}

func TestRunMigrationsAppliesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0002_second.sql", "SELECT 2;")
	writeMigration(t, dir, "0001_first.sql", "SELECT 1;")

	db := newFakeDB()
	var logs []string
	applied, err := runMigrations(context.Background(), db, dir, nil, func(format string, args ...any) {
		logs = append(logs, format)
	})
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 applied, got %d", applied)
	}
	if _, ok := db.applied["0001_first.sql"]; !ok {
		t.Fatal("first migration not recorded")
	}
	if len(logs) != 2 {
		t.Fatalf("expected one log per applied file, got %v", logs)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_first.sql", "SELECT 1;")

	db := newFakeDB()
	if _, err := runMigrations(context.Background(), db, dir, nil, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	applied, err := runMigrations(context.Background(), db, dir, nil, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected 0 applied on rerun, got %d", applied)
	}
}

func TestRunMigrationsRejectsEditedFile(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_first.sql", "SELECT 1;")

	db := newFakeDB()
	if _, err := runMigrations(context.Background(), db, dir, nil, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	writeMigration(t, dir, "0001_first.sql", "SELECT 99;")
	_, err := runMigrations(context.Background(), db, dir, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "changed after being applied") {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_first.sql", "SELECT 1;")

	t.Run("db required", func(t *testing.T) {
		if _, err := runMigrations(context.Background(), nil, dir, nil, nil); err == nil || !strings.Contains(err.Error(), "db required") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("create table failure", func(t *testing.T) {
		db := newFakeDB()
		db.execErr = errors.New("create fail")
		if _, err := runMigrations(context.Background(), db, dir, nil, nil); err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("lookup failure", func(t *testing.T) {
		db := newFakeDB()
		db.lookupErr = errors.New("lookup fail")
		if _, err := runMigrations(context.Background(), db, dir, nil, nil); err == nil || !strings.Contains(err.Error(), "migration lookup") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		db := newFakeDB()
		readFile := func(name string) ([]byte, error) { return nil, errors.New("read fail") }
		if _, err := runMigrations(context.Background(), db, dir, readFile, nil); err == nil || !strings.Contains(err.Error(), "read migration") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("begin failure", func(t *testing.T) {
		db := newFakeDB()
		db.beginErr = errors.New("begin fail")
		if _, err := runMigrations(context.Background(), db, dir, nil, nil); err == nil || !strings.Contains(err.Error(), "begin migration tx") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("apply failure rolls back", func(t *testing.T) {
		db := newFakeDB()
		db.tx.execErr = errors.New("apply fail")
		_, err := runMigrations(context.Background(), db, dir, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "apply migration") {
			t.Fatalf("unexpected error: %v", err)
		}
		if db.tx.rollbackCalls != 1 {
			t.Fatalf("expected rollback, got %d", db.tx.rollbackCalls)
		}
	})

	t.Run("commit failure", func(t *testing.T) {
		db := newFakeDB()
		db.tx.commitErr = errors.New("commit fail")
		if _, err := runMigrations(context.Background(), db, dir, nil, nil); err == nil || !strings.Contains(err.Error(), "commit migration") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestMainFailsWithoutDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	var fatal string
	oldFatal := logFatalf
	logFatalf = func(format string, args ...any) { fatal = format }
	defer func() { logFatalf = oldFatal }()
	main()
	if !strings.Contains(fatal, "db:") {
		t.Fatalf("expected db failure, got %q", fatal)
	}
}
