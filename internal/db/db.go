package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"portfolio-optimizer/internal/logger"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// ":memory:" opens a private in-memory database.
func Open(path string) (*DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is its own database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	version := 0
	// A fresh database has no schema_version table yet.
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS config (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS prices (
				symbol         TEXT NOT NULL,
				date           TEXT NOT NULL,
				close          REAL NOT NULL,
				adjusted_close REAL NOT NULL,
				volume         INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, date)
			);

			CREATE TABLE IF NOT EXISTS price_meta (
				symbol       TEXT PRIMARY KEY,
				fetched_from TEXT NOT NULL,
				fetched_to   TEXT NOT NULL,
				updated_at   TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS assets (
				symbol      TEXT PRIMARY KEY,
				name        TEXT NOT NULL DEFAULT '',
				asset_type  TEXT NOT NULL DEFAULT '',
				exchange    TEXT NOT NULL DEFAULT '',
				currency    TEXT NOT NULL DEFAULT '',
				asset_group TEXT NOT NULL DEFAULT '',
				updated_at  TEXT NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1")
	}

	if version < 2 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS optimization_runs (
				id           TEXT PRIMARY KEY,
				created_at   TEXT NOT NULL,
				objective    TEXT NOT NULL,
				symbols      TEXT NOT NULL,
				start_date   TEXT NOT NULL,
				end_date     TEXT NOT NULL,
				frequency    TEXT NOT NULL,
				periods      INTEGER NOT NULL,
				converged    INTEGER NOT NULL,
				sharpe       REAL,
				health_score REAL,
				duration_ms  INTEGER NOT NULL DEFAULT 0,
				params_json  TEXT NOT NULL DEFAULT '{}',
				result_json  TEXT NOT NULL DEFAULT '{}'
			);
			CREATE INDEX IF NOT EXISTS idx_runs_created ON optimization_runs(created_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (2);
		`)
		if err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		logger.Info("DB", "Applied migration v2 (optimization runs)")
	}

	return nil
}

// SqlDB returns the underlying *sql.DB.
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}
