package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
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
		dbURL := os.Getenv("DATABASE_URL")
		if dbURL == "" {
			return nil, errors.New("DATABASE_URL required")
		}
		return pgxpool.New(ctx, dbURL)
	}
)

func main() {
	dir := flag.String("dir", "migrations", "directory with *.sql migration files")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	applied, err := runMigrations(ctx, pool, *dir, nil, log.Printf)
	if err != nil {
		logFatalf("migration: %v", err)
		return
	}
	log.Printf("migrations up to date, applied %d", applied)
}

// runMigrations applies every pending *.sql file in dir, in lexical order,
// each inside its own transaction. A file already recorded in
// schema_migrations is skipped unless its checksum changed, which is an
// error: applied migrations are immutable.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	dir string,
	readFile func(name string) ([]byte, error),
	logf func(format string, args ...any),
) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if readFile == nil {
		readFile = os.ReadFile
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir = filepath.Clean(dir)
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		if !strings.HasPrefix(filepath.Clean(file), dir+string(os.PathSeparator)) {
			return applied, fmt.Errorf("migration %q escapes dir %q", file, dir)
		}
		// #nosec G304 -- file comes from globbing the configured migrations dir.
		sqlBytes, err := readFile(file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		sum := sha256.Sum256(sqlBytes)
		checksum := hex.EncodeToString(sum[:])

		name := filepath.Base(file)
		var recorded string
		err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != "" && recorded != checksum {
				return applied, fmt.Errorf("migration %s changed after being applied", name)
			}
			continue
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return applied, fmt.Errorf("migration lookup %s: %w", name, err)
		}

		if err := applyOne(ctx, db, name, string(sqlBytes), checksum); err != nil {
			return applied, err
		}
		applied++
		logf("applied migration %s", name)
	}
	return applied, nil
}

func applyOne(ctx context.Context, db migrationDB, name, sql, checksum string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1,$2)`, name, checksum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
