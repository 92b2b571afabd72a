// Package db owns the SQLite connection and schema migrations for Gamedex.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection with catalog functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates a SQLite database at the given path. The connection
// is instrumented with OpenTelemetry spans via otelsql.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := otelsql.Open("sqlite", path,
		otelsql.WithAttributes(attribute.String("db.system", "sqlite")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; serializes concurrent upserts at the connection level.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate runs database migrations up to the current schema version.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if version < 1 {
		if err := db.migrateV1(ctx); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := db.migrateV2(ctx); err != nil {
			return err
		}
	}
	if version < 3 {
		if err := db.migrateV3(ctx); err != nil {
			return err
		}
	}

	return nil
}

// migrateV1 creates the catalog schema.
func (db *DB) migrateV1(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS catalog_entries (
			id INTEGER PRIMARY KEY,
			igdb_id INTEGER,
			rawg_id INTEGER,
			name TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			slug TEXT,
			summary TEXT,
			release_date DATETIME,
			rating REAL,
			rating_count INTEGER,
			cover_url TEXT,
			platforms TEXT NOT NULL DEFAULT '[]',
			genres TEXT NOT NULL DEFAULT '[]',
			provider TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			last_synced_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_catalog_igdb_id ON catalog_entries(igdb_id) WHERE igdb_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_catalog_rawg_id ON catalog_entries(rawg_id) WHERE rawg_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_catalog_normalized_name ON catalog_entries(normalized_name);
		CREATE INDEX IF NOT EXISTS idx_catalog_last_synced_at ON catalog_entries(last_synced_at);
		CREATE INDEX IF NOT EXISTS idx_catalog_rating_count ON catalog_entries(rating_count);

		INSERT INTO schema_version (version) VALUES (1);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute v1 migration: %w", err)
	}

	return nil
}

// migrateV2 adds import job tracking.
func (db *DB) migrateV2(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS import_jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			platform_scope TEXT NOT NULL,
			state TEXT NOT NULL,
			total_games INTEGER NOT NULL DEFAULT 0,
			new_games INTEGER NOT NULL DEFAULT 0,
			updated_games INTEGER NOT NULL DEFAULT 0,
			failed_accounts INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_import_jobs_user ON import_jobs(user_id);
		CREATE INDEX IF NOT EXISTS idx_import_jobs_state ON import_jobs(state);

		INSERT INTO schema_version (version) VALUES (2);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute v2 migration: %w", err)
	}

	return nil
}

// migrateV3 adds the reviews table backing the aggregate-rating read contract.
func (db *DB) migrateV3(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS reviews (
			id INTEGER PRIMARY KEY,
			catalog_entry_id INTEGER NOT NULL,
			rating REAL NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(catalog_entry_id) REFERENCES catalog_entries(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_reviews_entry ON reviews(catalog_entry_id);

		INSERT INTO schema_version (version) VALUES (3);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute v3 migration: %w", err)
	}

	return nil
}
