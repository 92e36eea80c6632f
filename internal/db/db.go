package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	db   *sql.DB
	once sync.Once
	mu   sync.Mutex
)

type Config struct {
	Path string
}

// Init opens the sqlite database at cfg.Path and applies pending
// migrations. Only the first call does any work until Close is called.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	var initErr error
	once.Do(func() {
		if dir := filepath.Dir(cfg.Path); dir != "" && cfg.Path != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				initErr = fmt.Errorf("failed to create database directory: %w", err)
				return
			}
		}
		conn, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		if err := runMigrations(conn, migrationsFS); err != nil {
			conn.Close()
			initErr = err
			return
		}
		db = conn
	})
	if initErr != nil {
		once = sync.Once{}
	}
	return initErr
}

func GetDB() *sql.DB {
	return db
}

// Close releases the database and allows Init to be called again.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	once = sync.Once{}
	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}

type Migration struct {
	Version string
	SQL     string
}

func runMigrations(conn *sql.DB, fsys fs.FS) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedMigrations(conn)
	if err != nil {
		return err
	}

	migrations, err := loadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(InsertMigration, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}
	}

	return nil
}

func appliedMigrations(conn *sql.DB) (map[string]bool, error) {
	rows, err := conn.Query(GetAppliedMigrations)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func loadMigrations(fsys fs.FS) ([]Migration, error) {
	var migrations []Migration
	err := fs.WalkDir(fsys, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}

		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", path, err)
		}

		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(filepath.Base(path), ".sql"),
			SQL:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk migrations directory: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
